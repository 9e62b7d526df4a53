package domain

import "time"

// Quality mirrors the coarse OPC UA status severity of a measurement.
type Quality int

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "Good"
	case QualityUncertain:
		return "Uncertain"
	case QualityBad:
		return "Bad"
	default:
		return "Unknown"
	}
}

// QualityFromStatus maps an OPC UA status code onto Quality using its two
// severity bits: 00 good, 01 uncertain, 10/11 bad.
func QualityFromStatus(code uint32) Quality {
	switch code >> 30 {
	case 0:
		return QualityGood
	case 1:
		return QualityUncertain
	default:
		return QualityBad
	}
}

// Record is the canonical unit of data flowing through fieldlink: one value
// change of one monitored point, or one failure report for it.
type Record struct {
	SourceID     string
	PointID      string
	Value        string
	DeviceTime   time.Time
	IngestTime   time.Time
	Quality      Quality
	ErrorMessage string
}

// HasError reports whether the record describes a failure instead of a value.
// Such records must never be treated as measurements.
func (r Record) HasError() bool { return r.ErrorMessage != "" }

func (r Record) IsGood() bool { return r.Quality == QualityGood }
