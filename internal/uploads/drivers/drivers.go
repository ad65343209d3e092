// Package drivers holds the storage backends behind uploads.StorageDriver.
package drivers

// ListResult is the outcome of a prefix listing.
type ListResult struct {
	KeyCount int
	Items    []string
}
