package validator

import (
	"errors"
	"fmt"
	"regexp"

	"mining_economy/internal/domain"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAccount     = errors.New("invalid account id")
	ErrInvalidRequestID   = errors.New("invalid request id")
	ErrInvalidFingerprint = errors.New("invalid device fingerprint")
	ErrInvalidMultiplier  = errors.New("economy multiplier out of range")
	ErrInvalidInflation   = errors.New("inflation rate out of range")
	ErrInvalidAsset       = errors.New("invalid asset")
)

var (
	maxMultiplier = decimal.NewFromInt(10)
	maxInflation  = decimal.NewFromInt(100)
)

type RequestValidator struct {
	idRegex          *regexp.Regexp
	fingerprintRegex *regexp.Regexp
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{
		idRegex: regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`),
		// sha256 hex or the 64-bit weak fallback
		fingerprintRegex: regexp.MustCompile(`^[0-9a-f]{1,16}$|^[0-9a-f]{64}$`),
	}
}

func (v *RequestValidator) ValidateAccountID(id string) error {
	if !v.idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, id)
	}
	return nil
}

// ValidateFingerprint accepts an empty hash: a request without a device is
// allowed and skips the device policy.
func (v *RequestValidator) ValidateFingerprint(hash string) error {
	if hash == "" || v.fingerprintRegex.MatchString(hash) {
		return nil
	}
	return ErrInvalidFingerprint
}

func (v *RequestValidator) ValidateCollectRequest(req domain.CollectRequest) error {
	var errs []error

	if err := v.ValidateAccountID(req.AccountID); err != nil {
		errs = append(errs, err)
	}
	if !v.idRegex.MatchString(req.RequestID) {
		errs = append(errs, ErrInvalidRequestID)
	}
	if err := v.ValidateFingerprint(req.DeviceFingerprint); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %w", errors.Join(errs...))
	}
	return nil
}

func (v *RequestValidator) ValidateEconomy(state domain.EconomyState) error {
	var errs []error

	for name, m := range map[string]decimal.Decimal{
		"market_demand_index": state.MarketDemandIndex,
		"season_modifier":     state.SeasonModifier,
	} {
		if !m.IsPositive() || m.GreaterThan(maxMultiplier) {
			errs = append(errs, fmt.Errorf("%w: %s=%s", ErrInvalidMultiplier, name, m))
		}
	}
	if state.InflationRate.Abs().GreaterThan(maxInflation) {
		errs = append(errs, ErrInvalidInflation)
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %w", errors.Join(errs...))
	}
	return nil
}

func (v *RequestValidator) ValidateAsset(asset *domain.Asset) error {
	var errs []error

	if asset.Name == "" {
		errs = append(errs, errors.New("asset name is required"))
	}
	if asset.ID != "" && !v.idRegex.MatchString(asset.ID) {
		errs = append(errs, fmt.Errorf("bad asset id %q", asset.ID))
	}
	if asset.Price.IsNegative() {
		errs = append(errs, errors.New("price cannot be negative"))
	}
	if asset.Stock < 0 {
		errs = append(errs, errors.New("stock cannot be negative"))
	}

	switch asset.Type {
	case domain.AssetWorker:
		if !asset.BaseRate.IsPositive() {
			errs = append(errs, errors.New("worker asset needs a positive base_rate"))
		}
	case domain.AssetInvestor:
		if !asset.MonthlyRate.IsPositive() {
			errs = append(errs, errors.New("investor asset needs a positive monthly_rate"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown asset type %q", asset.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidAsset, errors.Join(errs...))
	}
	return nil
}
