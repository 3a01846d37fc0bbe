package pipeline

import "fmt"

// Object-storage layout. Success path objects live under
// pre-submission-batching/{applicationId}/{controlYear}/{batchId}/...
// and transmission failures are relocated under
// pre-submission-batching/errors/{applicationId}/{controlYear}/.
const rootPrefix = "pre-submission-batching"

// SubmissionPrefix keys one submission's archive inside a bundle.
func SubmissionPrefix(applicationID string, controlYear int, batchID int64, submissionID string) string {
	return fmt.Sprintf("%s/%s/%d/%d/%s", rootPrefix, applicationID, controlYear, batchID, submissionID)
}

// BundleKey is the object key the batch's bundle is uploaded to.
func BundleKey(applicationID string, controlYear int, batchID int64) string {
	return fmt.Sprintf("%s/%s/%d/%d/bundle.zip", rootPrefix, applicationID, controlYear, batchID)
}

// ErrorPrefix is the folder failed bundles are relocated into for
// manual reprocessing.
func ErrorPrefix(applicationID string, controlYear int) string {
	return fmt.Sprintf("%s/errors/%s/%d/", rootPrefix, applicationID, controlYear)
}

// ErrorKey is the relocated key of a failed batch's bundle.
func ErrorKey(applicationID string, controlYear int, batchID int64) string {
	return fmt.Sprintf("%sbatch-%d-bundle.zip", ErrorPrefix(applicationID, controlYear), batchID)
}
