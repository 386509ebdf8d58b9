package shared

import "fmt"

var (
	// Configuration errors
	ErrMissingConfig = fmt.Errorf("configuration not found")
	ErrInvalidConfig = fmt.Errorf("invalid configuration")
	ErrUnknownScope  = fmt.Errorf("unknown scope")

	// Sync errors
	ErrUnknownEntity   = fmt.Errorf("unknown entity")
	ErrListingFailed   = fmt.Errorf("listing failed")
	ErrListingConsumed = fmt.Errorf("listing already consumed")
	ErrRunInProgress   = fmt.Errorf("sync already running")
	ErrRecordNotFound  = fmt.Errorf("record not found")
	ErrRunNotFound     = fmt.Errorf("sync run not found")
	ErrMappingFailed   = fmt.Errorf("record mapping failed")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrInvalidFlag     = fmt.Errorf("invalid flag value")
)
