package pipeline

import (
	"strconv"
	"time"
)

// Order is the unit of work that flows through the pipeline. It is created
// by a producer and never modified afterwards.
type Order struct {
	ProducerID string    `json:"producer_id"`
	ItemID     int       `json:"item_id"`
	Seq        int64     `json:"seq"`
	Created    time.Time `json:"created"`
}

// Key identifies an order within a run: producer id plus sequence number.
func (o Order) Key() string {
	return o.ProducerID + "#" + strconv.FormatInt(o.Seq, 10)
}
