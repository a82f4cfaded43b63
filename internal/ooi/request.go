package ooi

import (
	"fmt"
	"time"
)

// Backpropagation names the parent documents a finished result should be
// linked back into. Mapping goes from OOI identity to the parent document ids
// that triggered the scan of that OOI.
type Backpropagation struct {
	Collection string              `json:"collection"`
	Mapping    map[string][]string `json:"id_ooi_mapping"`
	Field      string              `json:"field_name"`
}

// ParentsFor returns the parent document ids registered for an OOI
// identity. Derived items link through their origin.
func (b Backpropagation) ParentsFor(o OOI) []string {
	if ids, ok := b.Mapping[o.Root()]; ok {
		return ids
	}
	return nil
}

// AllParents flattens the parent ids of the whole mapping, deduplicated. A
// bulk scan answers the batch at once, so every result links into every
// parent.
func (b Backpropagation) AllParents() []string {
	var out []string
	seen := make(map[string]bool)
	for _, ids := range b.Mapping {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Request is one batch of OOIs plus the execution, caching and retry policy
// for it. The OOI list is consumed front to back; retry paths push the
// current item back onto the front before the batch is persisted.
type Request struct {
	ScannerID string `json:"scanner_id"`
	OOIs      []OOI  `json:"oois"`
	Owner     string `json:"owner"`

	Tags []string `json:"tags,omitempty"`

	// TimeValidSeconds is the cache window for results; zero or negative
	// forces a live scan.
	TimeValidSeconds int `json:"time_valid_response"`

	// Offline serves cached/stored results only, never calling a connector.
	Offline bool `json:"offline,omitempty"`

	// APIRequest marks batches already metered at the API edge; caller
	// quota is not charged a second time.
	APIRequest bool `json:"api_request,omitempty"`

	// IgnoreResult drops result documents from the response bundle. Results
	// are still persisted and backpropagated.
	IgnoreResult bool `json:"ignore_result,omitempty"`

	// QuotaAmount is charged against the caller's daily rate per OOI.
	QuotaAmount int64 `json:"quota_amount,omitempty"`

	MaxDayRetries int  `json:"max_day_retries"`
	DayRetry      bool `json:"quota_exception_day_retry"`
	MinuteRetry   bool `json:"quota_exception_minute_retry"`

	// LongTermParent is the stable parent task id once a batch has entered
	// the long-term retry path. Empty until then.
	LongTermParent string `json:"long_term_retry_parent_task,omitempty"`

	Backpropagation []Backpropagation `json:"backwards_propagation,omitempty"`
}

// NewRequest builds a Request with the default policy: one hour cache
// window, both retry tiers enabled, seven day-scale attempts.
func NewRequest(scannerID, owner string, oois ...OOI) *Request {
	return &Request{
		ScannerID:        scannerID,
		Owner:            owner,
		OOIs:             oois,
		TimeValidSeconds: 3600,
		QuotaAmount:      1,
		MaxDayRetries:    7,
		DayRetry:         true,
		MinuteRetry:      true,
	}
}

// Validate rejects requests the engine cannot execute at all.
func (r *Request) Validate() error {
	if r.ScannerID == "" {
		return fmt.Errorf("request has no scanner id")
	}
	if r.Owner == "" {
		return fmt.Errorf("request has no owner")
	}
	if len(r.OOIs) == 0 {
		return fmt.Errorf("request has no oois")
	}
	for _, o := range r.OOIs {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("invalid ooi: %w", err)
		}
	}
	return nil
}

// Next pops the front OOI. ok is false once the list is exhausted.
func (r *Request) Next() (o OOI, ok bool) {
	if len(r.OOIs) == 0 {
		return OOI{}, false
	}
	o = r.OOIs[0]
	r.OOIs = r.OOIs[1:]
	return o, true
}

// PushFront returns an OOI to the head of the list; retry paths use this so
// a resumed batch continues with the item that failed.
func (r *Request) PushFront(o OOI) {
	r.OOIs = append([]OOI{o}, r.OOIs...)
}

// Append adds a derived OOI to the back of the list. Only derived OOIs are
// accepted; the provenance requirement keeps connector fallbacks from looping.
func (r *Request) Append(o OOI) error {
	if o.Origin == "" {
		return fmt.Errorf("re-queued ooi %q has no origin", o.Value)
	}
	r.OOIs = append(r.OOIs, o)
	return nil
}

func (r *Request) Len() int { return len(r.OOIs) }

// Force reports whether cached results must be ignored.
func (r *Request) Force() bool { return r.TimeValidSeconds <= 0 }

// TTL is the cache window as a duration.
func (r *Request) TTL() time.Duration {
	if r.TimeValidSeconds <= 0 {
		return 0
	}
	return time.Duration(r.TimeValidSeconds) * time.Second
}

// Amount is the caller-quota charge for a single OOI, at least one.
func (r *Request) Amount() int64 {
	if r.QuotaAmount <= 0 {
		return 1
	}
	return r.QuotaAmount
}

// Values lists the raw identities of the remaining OOIs.
func (r *Request) Values() []string {
	out := make([]string, len(r.OOIs))
	for i, o := range r.OOIs {
		out[i] = o.Value
	}
	return out
}
