package errs

const (
	// Validation (1xxx)
	CodeInvalidArgument = 1000
	CodeInvalidID       = 1004
	CodeInvalidTier     = 1005
	CodeInvalidTag      = 1008
	CodeMissingRequired = 1009
	CodeInvalidTime     = 1010
	CodeInvalidMetadata = 1011
	CodeInvalidScope    = 1012
	CodeTooLarge        = 1013

	// Domain state (2xxx)
	CodeFileNotFound     = 2001
	CodeMemoryNotFound   = 2002
	CodeBlobNotFound     = 2003
	CodeBackupNotFound   = 2004
	CodeConflict         = 2102
	CodeMaintenanceBusy  = 2103
	CodeVaultUnconfirmed = 2201

	// Storage (3xxx)
	CodeIntegrity        = 3001
	CodeCapacity         = 3002
	CodeBackupIncomplete = 3003
	CodeQuarantined      = 3004

	// Internal/system (4xxx)
	CodeInternal     = 4001
	CodeStoreFailure = 4002
)

func defaultCodeByKind(kind Kind) int {
	switch kind {
	case KindInvalid:
		return CodeInvalidArgument
	case KindNotFound:
		return CodeFileNotFound
	case KindConflict:
		return CodeConflict
	case KindIntegrity:
		return CodeIntegrity
	case KindCapacity:
		return CodeCapacity
	case KindBackupIncomplete:
		return CodeBackupIncomplete
	case KindPermissionDenied:
		return CodeVaultUnconfirmed
	case KindInternal:
		return CodeInternal
	default:
		return 0
	}
}
