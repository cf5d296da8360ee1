package order

import (
	"fmt"
	"strings"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

// Opposite returns the book side an order of this side trades against.
func (s Side) Opposite() Side { return -s }

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy", "b", "bid":
		return Buy, nil
	case "sell", "s", "ask":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

type Kind int8

const (
	Market Kind = iota
	Limit
)

func (k Kind) String() string {
	switch k {
	case Market:
		return "market"
	case Limit:
		return "limit"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "market":
		return Market, nil
	case "limit":
		return Limit, nil
	}
	return 0, fmt.Errorf("unknown order kind %q", s)
}

// TimeInForce governs what happens to the unfilled remainder.
type TimeInForce int8

const (
	GTC TimeInForce = iota // rest on the book (limit orders only)
	IOC                    // discard remainder
	FOK                    // all or nothing
)

func (t TimeInForce) String() string {
	switch t {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	default:
		return "unknown"
	}
}

func ParseTimeInForce(s string) (TimeInForce, error) {
	switch strings.ToUpper(s) {
	case "", "GTC":
		return GTC, nil
	case "IOC":
		return IOC, nil
	case "FOK":
		return FOK, nil
	}
	return 0, fmt.Errorf("unknown time-in-force %q", s)
}

type Status int8

const (
	Pending Status = iota
	Open
	PartiallyFilled
	Filled
	Cancelled
	Rejected
	Unfilled // terminal, no liquidity reached the order
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	case Unfilled:
		return "unfilled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further matching can change the order.
func (s Status) Terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected, Unfilled:
		return true
	}
	return false
}

// Priority is the admission tier. Lower value drains first.
type Priority int8

const (
	Urgent Priority = iota
	High
	Normal
	Low
)

// NumPriorities is the number of admission tiers.
const NumPriorities = 4

func (p Priority) String() string {
	switch p {
	case Urgent:
		return "urgent"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

func (p Priority) Valid() bool { return p >= Urgent && p <= Low }

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "urgent":
		return Urgent, nil
	case "high":
		return High, nil
	case "", "normal":
		return Normal, nil
	case "low":
		return Low, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Source identifies the liquidity venue of a fill or quote.
type Source int8

const (
	Orderbook Source = iota
	AMM
)

func (s Source) String() string {
	switch s {
	case Orderbook:
		return "orderbook"
	case AMM:
		return "amm"
	default:
		return "unknown"
	}
}

func ParseSource(s string) (Source, error) {
	switch strings.ToLower(s) {
	case "orderbook", "book":
		return Orderbook, nil
	case "amm":
		return AMM, nil
	}
	return 0, fmt.Errorf("unknown source %q", s)
}

// Text encodings keep fills readable on every wire (JSON, kafka, gossip).

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Source) UnmarshalText(b []byte) error {
	v, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for st := Pending; st <= Unfilled; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}
