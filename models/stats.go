package models

// Transfer modes accepted by the analytics endpoint.
const (
	StatsModeP2P           = "p2p"
	StatsModeBroadcast     = "broadcast"
	StatsModeBidirectional = "bidirectional"
)

// StatsUpdate is one client report of completed transfers.
type StatsUpdate struct {
	FilesTransferred int64            `json:"filesTransferred"`
	BytesTransferred int64            `json:"bytesTransferred"`
	FileTypes        map[string]int64 `json:"fileTypes"`
	TransferMode     string           `json:"transferMode"`
}

// AggregateStats is the per-day rollup of reported transfers.
type AggregateStats struct {
	Day                   string           `json:"day"`
	TotalFilesTransferred int64            `json:"totalFilesTransferred"`
	TotalBytesTransferred int64            `json:"totalBytesTransferred"`
	FileTypes             map[string]int64 `json:"fileTypes"`
	TransferModes         map[string]int64 `json:"transferModes"`
}
