package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decode metrics
var (
	DecodeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_decode_operations_total",
			Help: "Total number of MTOM decode operations",
		},
		[]string{"status"},
	)

	DecodedDocumentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_decoded_documents_total",
			Help: "Total number of documents produced by MTOM decoding",
		},
	)

	DecodeDiagnosticsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_decode_diagnostics_total",
			Help: "Total number of decode diagnostics by kind",
		},
		[]string{"kind"},
	)
)

// Archive extraction metrics
var (
	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_archive_extractions_total",
			Help: "Total number of archive extraction call trees",
		},
		[]string{"status"},
	)

	ExtractedEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_archive_entries_total",
			Help: "Total number of archive entries extracted",
		},
	)

	ExtractedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_archive_bytes_total",
			Help: "Total decompressed bytes written by archive extraction",
		},
	)

	ExtractionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intake_archive_extraction_duration_seconds",
			Help:    "Duration of top-level archive extractions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0},
		},
	)

	PasswordAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_password_attempts_total",
			Help: "Total number of password candidates tried against containers",
		},
		[]string{"kind", "result"},
	)
)

// Staging metrics
var (
	StagingWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_staging_writes_total",
			Help: "Total number of staged writes",
		},
		[]string{"status"},
	)

	StagingBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_staging_bytes_total",
			Help: "Total bytes committed to the staging area",
		},
	)
)

// Mail metrics
var (
	MailAttachmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_mail_attachments_total",
			Help: "Total number of mail attachments processed",
		},
		[]string{"status"},
	)
)

// Upload metrics
var (
	UploadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_upload_attempts_total",
			Help: "Total number of S3 upload attempts",
		},
		[]string{"result"},
	)

	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intake_upload_duration_seconds",
			Help:    "Duration of S3 uploads in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
	)

	UploadQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_upload_queue_size",
			Help: "Number of staged files awaiting upload",
		},
	)
)
