// Package fees computes transaction fees and enforces per-kind amount limits.
//
// All arithmetic is in int64 minor units. Percentage rates are parsed as
// decimals and the resulting fee is rounded half-up to a whole minor unit.
package fees

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/models"
)

// Rule is the fee and limit configuration for one kind.
type Rule struct {
	// FlatFee is charged as-is, in minor units.
	FlatFee int64 `yaml:"flat_fee"`

	// Percent is a decimal string such as "1.5", meaning 1.5% of the principal.
	Percent string `yaml:"percent"`

	// Min and Max bound principal plus fee. Zero means unbounded.
	Min int64 `yaml:"min"`
	Max int64 `yaml:"max"`

	percent decimal.Decimal
}

// Schedule maps each kind to its rule. Kinds without a rule are free and
// unbounded.
type Schedule struct {
	Kinds map[models.Kind]*Rule `yaml:"kinds"`
}

// Quote is the outcome of pricing one operation.
type Quote struct {
	Principal int64
	Fee       int64
}

// Total is principal plus fee.
func (q Quote) Total() int64 {
	return q.Principal + q.Fee
}

// Default returns the built-in schedule: a flat 5 on transfers and 1% on
// recharges.
func Default() *Schedule {
	s := &Schedule{
		Kinds: map[models.Kind]*Rule{
			models.KindTransfer:   {FlatFee: 5, Min: 10, Max: 2_500_000},
			models.KindRecharge:   {Percent: "1", Min: 1_000, Max: 100_000},
			models.KindTopup:      {Min: 100, Max: 5_000_000},
			models.KindTaskSpend:  {Max: 1_000_000},
			models.KindTaskReward: {Max: 1_000_000},
		},
	}
	if err := s.compile(); err != nil {
		panic(fmt.Sprintf("fees: invalid default schedule: %v", err))
	}
	return s
}

// Load reads a YAML schedule from path.
func Load(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fee schedule: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML schedule.
func Parse(data []byte) (*Schedule, error) {
	s := &Schedule{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse fee schedule: %w", err)
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schedule) compile() error {
	for kind, rule := range s.Kinds {
		if !kind.Valid() {
			return fmt.Errorf("fee schedule: unknown kind %q", kind)
		}
		if rule == nil {
			s.Kinds[kind] = &Rule{}
			continue
		}
		if rule.FlatFee < 0 || rule.Min < 0 || rule.Max < 0 {
			return fmt.Errorf("fee schedule: negative value for %s", kind)
		}
		if rule.Max > 0 && rule.Min > rule.Max {
			return fmt.Errorf("fee schedule: min above max for %s", kind)
		}
		rule.percent = decimal.Zero
		if rule.Percent != "" {
			p, err := decimal.NewFromString(rule.Percent)
			if err != nil {
				return fmt.Errorf("fee schedule: invalid percent for %s: %w", kind, err)
			}
			if p.IsNegative() {
				return fmt.Errorf("fee schedule: negative percent for %s", kind)
			}
			rule.percent = p
		}
	}
	return nil
}

// Fee returns the fee for principal minor units of kind.
func (s *Schedule) Fee(kind models.Kind, principal int64) int64 {
	rule := s.Kinds[kind]
	if rule == nil {
		return 0
	}

	fee := rule.FlatFee
	if !rule.percent.IsZero() {
		pct := decimal.NewFromInt(principal).
			Mul(rule.percent).
			Div(decimal.NewFromInt(100)).
			Round(0)
		fee += pct.IntPart()
	}
	return fee
}

// Quote prices an operation and checks it against the kind's limits.
// A violation returns models.ErrValidation, as does a credit whose fee
// would consume the whole principal.
func (s *Schedule) Quote(kind models.Kind, principal int64) (Quote, error) {
	if principal <= 0 {
		return Quote{}, models.Validationf("amount must be positive")
	}

	q := Quote{Principal: principal, Fee: s.Fee(kind, principal)}
	if !kind.IsDebit() && q.Fee >= q.Principal {
		return Quote{}, models.Validationf("%s of %s does not cover the fee of %s",
			kind, Format(q.Principal), Format(q.Fee))
	}
	if rule := s.Kinds[kind]; rule != nil {
		if rule.Min > 0 && q.Total() < rule.Min {
			return Quote{}, models.Validationf("%s of %s is below the minimum of %s",
				kind, Format(q.Total()), Format(rule.Min))
		}
		if rule.Max > 0 && q.Total() > rule.Max {
			return Quote{}, models.Validationf("%s of %s exceeds the maximum of %s",
				kind, Format(q.Total()), Format(rule.Max))
		}
	}
	return q, nil
}

// Format renders minor units as a two-decimal amount, e.g. 399500 as "3995.00".
func Format(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
