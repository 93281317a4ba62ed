package models

// SignatureBlob is one stored signature image column. Data holds either a
// versioned encryption envelope or, for rows predating encryption, the
// raw image bytes.
type SignatureBlob struct {
	ID        int64  `db:"id"`
	OwnerType string `db:"owner_type"`
	OwnerID   int64  `db:"owner_id"`
	Data      []byte `db:"data"`
}

// Owner types for signature blobs.
const (
	SignatureOwnerSignatory = "signatory"
	SignatureOwnerInvoice   = "invoice"
)
