package emr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emr_writes_total",
		Help: "Committed clinical record writes by operation",
	}, []string{"op"})
	versionChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emr_version_checks_total",
		Help: "Optimistic version check outcomes",
	}, []string{"outcome"})
	storageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emr_storage_failures_total",
		Help: "Clinical record operations aborted by a storage failure",
	}, []string{"op"})
)
