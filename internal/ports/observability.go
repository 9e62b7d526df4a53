package ports

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)

	// RecordDrop accounts for a record discarded at stage.
	RecordDrop(stage string, err error, fields ...Field)
}

type Field struct {
	Key   string
	Value any
}
