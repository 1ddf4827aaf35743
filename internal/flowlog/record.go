// Package flowlog parses VPC Flow Log records in the default version-2 format.
package flowlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pankaj-dahiya-devops/vpc-flow-logs/internal/models"
)

// DefaultFields are the fourteen fields of the default flow log format, in
// record order. The names match the ${field} names CloudWatch Logs uses.
var DefaultFields = []string{
	"version",
	"accountid",
	"interfaceid",
	"srcaddr",
	"dstaddr",
	"srcport",
	"dstport",
	"protocol",
	"packets",
	"bytes",
	"start",
	"end",
	"action",
	"logstatus",
}

// Log status values.
const (
	StatusOK       = "OK"
	StatusNoData   = "NODATA"
	StatusSkipData = "SKIPDATA"
)

// placeholder is written for fields that carry no data.
const placeholder = "-"

// ErrMalformedRecord is returned when a line is not a default-format record.
var ErrMalformedRecord = errors.New("malformed flow log record")

// Parse converts one flow log line to a FlowRecord.
func Parse(line string) (models.FlowRecord, error) {
	f := strings.Fields(line)
	if len(f) != len(DefaultFields) {
		return models.FlowRecord{}, fmt.Errorf("%w: got %d fields, want %d", ErrMalformedRecord, len(f), len(DefaultFields))
	}

	var (
		rec models.FlowRecord
		err error
	)
	num := func(i int) int64 {
		if err != nil || f[i] == placeholder {
			return 0
		}
		var n int64
		n, err = strconv.ParseInt(f[i], 10, 64)
		if err != nil {
			err = fmt.Errorf("%w: field %s: %w", ErrMalformedRecord, DefaultFields[i], err)
		}
		return n
	}
	str := func(i int) string {
		if f[i] == placeholder {
			return ""
		}
		return f[i]
	}

	rec.Version = int(num(0))
	rec.AccountID = str(1)
	rec.InterfaceID = str(2)
	rec.SrcAddr = str(3)
	rec.DstAddr = str(4)
	rec.SrcPort = int(num(5))
	rec.DstPort = int(num(6))
	rec.Protocol = int(num(7))
	rec.Packets = num(8)
	rec.Bytes = num(9)
	rec.Start = num(10)
	rec.End = num(11)
	rec.Action = models.FlowAction(str(12))
	rec.LogStatus = str(13)
	if err != nil {
		return models.FlowRecord{}, err
	}

	switch rec.LogStatus {
	case StatusOK, StatusNoData, StatusSkipData:
	default:
		return models.FlowRecord{}, fmt.Errorf("%w: unknown log status %q", ErrMalformedRecord, f[13])
	}
	return rec, nil
}

// ReadAll parses every non-blank line of r. Lines starting with # are skipped.
// It stops at the first malformed record and reports its line number.
func ReadAll(r io.Reader) ([]models.FlowRecord, error) {
	var out []models.FlowRecord
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan flow log records: %w", err)
	}
	return out, nil
}
