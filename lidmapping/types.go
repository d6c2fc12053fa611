package lidmapping

// Pair is a learned PN↔LID user-level mapping, as returned by a Resolver or
// accepted by Store/StoreBatch.
type Pair struct {
	PNUser  string
	LIDUser string
}

// JIDPair is a device-specific result: the PN JID originally queried and the
// LID JID it resolves to (or vice versa for reverse lookups).
type JIDPair struct {
	PNJID  string
	LIDJID string
}

// StoreResult is the result shape for a single store operation.
type StoreResult struct {
	Success bool
	Mapping *Pair
	Error   error
}

// RepairResult is the result shape for ValidateAndRepair.
type RepairResult struct {
	Validated int
	Repaired  int
	Errors    int
}

// Stats is the result shape for the mapping store's statistics pass.
type Stats struct {
	TotalMappings int
	SampleUsers   []string
}

// maxStatsSample bounds the sample-user list Stats returns, keeping the scan
// cheap regardless of table size.
const maxStatsSample = 20
