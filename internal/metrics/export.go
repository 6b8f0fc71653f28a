package metrics

import "time"

// Package-level helpers over the singleton, meant to be dot-imported.

func MetricDuration(topic, function string, duration time.Duration) {
	GetInstance().RecordDuration(topic, function, duration)
}

func MetricInc(topic, function string) {
	GetInstance().IncrementCounter(topic, function)
}

func MetricAdd(topic, function string, delta int64) {
	GetInstance().AddCounter(topic, function, delta)
}

func MetricOutcome(topic, operation, outcome string) {
	GetInstance().RecordOutcome(topic, operation, outcome)
}

func MetricSuccess(topic, operation string) {
	GetInstance().RecordOutcome(topic, operation, "success")
}

func MetricFail(topic, operation string) {
	GetInstance().RecordOutcome(topic, operation, "fail")
}
