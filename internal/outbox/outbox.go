// Package outbox journals submitted orders and their fills as JSON lines.
package outbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Notional      decimal.Decimal `json:"notional"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	AssetClass    string          `json:"asset_class,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
}

type Fill struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Side        string          `json:"side"`
	Timestamp   time.Time       `json:"timestamp"`
	LatencyMs   int             `json:"latency_ms"`
	SlippageBps int             `json:"slippage_bps"`
}

type Entry struct {
	Type  string          `json:"type"` // "order" or "fill"
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

type Outbox struct {
	mu   sync.Mutex
	path string
}

func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Outbox{path: path}, nil
}

func (o *Outbox) WriteOrder(order Order) error {
	return o.append("order", order, order.Timestamp)
}

func (o *Outbox) WriteFill(fill Fill) error {
	return o.append("fill", fill, fill.Timestamp)
}

func (o *Outbox) append(kind string, v any, at time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Entry{Type: kind, Data: data, Event: at.UTC()})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// HasOrder reports whether an order with clientOrderID was journaled at or
// after since. The paper broker uses it to refuse duplicate submissions.
func (o *Outbox) HasOrder(clientOrderID string, since time.Time) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.Open(o.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Type != "order" || e.Event.Before(since) {
			continue
		}
		var ord Order
		if err := json.Unmarshal(e.Data, &ord); err != nil {
			continue
		}
		if ord.ClientOrderID == clientOrderID {
			return true, nil
		}
	}
	return false, sc.Err()
}

// Fills returns every journaled fill in write order.
func (o *Outbox) Fills() ([]Fill, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.Open(o.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Fill
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.Type != "fill" {
			continue
		}
		var fl Fill
		if err := json.Unmarshal(e.Data, &fl); err != nil {
			continue
		}
		out = append(out, fl)
	}
	return out, sc.Err()
}
