package enums

// OrphanReason records why a blob ended up without a photo record.
type OrphanReason string

const (
	// OrphanReasonUploadRollback: the record write failed after the blob landed
	// and the compensating delete failed too.
	OrphanReasonUploadRollback OrphanReason = "upload_rollback"
	// OrphanReasonUploadCanceled: the request was canceled between blob write
	// and record commit.
	OrphanReasonUploadCanceled OrphanReason = "upload_canceled"
	// OrphanReasonUploadUnconfirmed: the blob write reported an error but may
	// have landed anyway, and the compensating delete failed.
	OrphanReasonUploadUnconfirmed OrphanReason = "upload_unconfirmed"
)

// String returns the literal string for the reason.
func (r OrphanReason) String() string {
	return string(r)
}
