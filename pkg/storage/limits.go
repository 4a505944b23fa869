package storage

// Limits bundles every size limit the storage surface enforces, per
// spec.md §4.8/§6. The constraints between fields (MaxRequestBytes >
// MaxPostBytes >= MaxRecordPayloadBytes, MaxTotalRecords >= MaxPostRecords,
// MaxTotalBytes >= MaxPostBytes) are validated once at startup by
// config.Config.Validate.
type Limits struct {
	MaxIDsPerRequest      int
	InternalPageCap       int
	MaxPostRecords        int
	MaxPostBytes          int64
	MaxTotalRecords       int
	MaxTotalBytes         int64
	MaxRecordPayloadBytes int64
	MaxRequestBytes       int64
	DefaultBSOTTLSeconds  int64
	QuotaSizeKB           int64
	BatchTTLSeconds       int64
}
