package models

// FlowAction is the outcome recorded for a flow log record.
type FlowAction string

const (
	FlowAccept FlowAction = "ACCEPT"
	FlowReject FlowAction = "REJECT"
)

// FlowRecord is one version-2 VPC Flow Log record in the default format.
// Numeric fields are zero when the record carries the "-" placeholder.
type FlowRecord struct {
	Version     int        `json:"version"`
	AccountID   string     `json:"account_id"`
	InterfaceID string     `json:"interface_id"`
	SrcAddr     string     `json:"srcaddr"`
	DstAddr     string     `json:"dstaddr"`
	SrcPort     int        `json:"srcport"`
	DstPort     int        `json:"dstport"`
	Protocol    int        `json:"protocol"`
	Packets     int64      `json:"packets"`
	Bytes       int64      `json:"bytes"`
	Start       int64      `json:"start"`
	End         int64      `json:"end"`
	Action      FlowAction `json:"action"`
	LogStatus   string     `json:"log_status"`
}

// MetricRef identifies a CloudWatch metric produced by a metric filter.
type MetricRef struct {
	Namespace     string `json:"namespace"`
	MetricName    string `json:"metric_name"`
	Statistic     string `json:"statistic"`
	PeriodSeconds int32  `json:"period_seconds"`
}

// PatternResult is the outcome of evaluating one log line against a metric
// filter pattern.
type PatternResult struct {
	LineNumber int               `json:"line_number"`
	Line       string            `json:"line"`
	Filter     string            `json:"filter"`
	Matched    bool              `json:"matched"`
	Value      string            `json:"value,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}
