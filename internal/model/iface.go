package model

// DeliveryWriter provides append-oriented writes to the delivery ledger.
type DeliveryWriter interface {
	InsertDeliveryBatch(records []*DeliveryRecord) error
}

// DeliveryReader provides read-only queries over the delivery ledger.
type DeliveryReader interface {
	RecentDeliveries(limit int) ([]DeliveryRecord, error)
	DeliveryCounts() ([]StateCount, error)
}

// DeliveryRecorder accepts ledger records without blocking the caller.
type DeliveryRecorder interface {
	Add(record *DeliveryRecord)
}
