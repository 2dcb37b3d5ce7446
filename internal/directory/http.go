// Package directory implements engine.Directory against the external
// investor/asset systems of record (§3), over HTTP using the shared
// resilient client.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"ordercore/internal/config"
	"ordercore/internal/core"
	apperrors "ordercore/pkg/errors"
	pkghttp "ordercore/pkg/http"
)

// HTTPDirectory looks investors and assets up from external services,
// retrying transient failures and tripping a circuit breaker on sustained
// 5xx responses via pkg/http.Client.
type HTTPDirectory struct {
	investors *pkghttp.Client
	assets    *pkghttp.Client
}

func NewHTTPDirectory(cfg config.DirectoryConfig) *HTTPDirectory {
	var signer pkghttp.Signer
	if cfg.AuthToken != "" {
		signer = bearerSigner(cfg.AuthToken)
	}
	return &HTTPDirectory{
		investors: pkghttp.NewClient(cfg.InvestorsBaseURL, cfg.Timeout(), signer),
		assets:    pkghttp.NewClient(cfg.AssetsBaseURL, cfg.Timeout(), signer),
	}
}

// bearerSigner attaches the configured token as a bearer Authorization
// header to every outgoing request.
type bearerSigner config.Secret

func (s bearerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+string(s))
	return nil
}

type investorDTO struct {
	InvestorID    int64  `json:"investorId"`
	AccountStatus string `json:"accountStatus"`
}

type assetDTO struct {
	AssetID      int64           `json:"assetId"`
	IsActive     bool            `json:"isActive"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
}

func (d *HTTPDirectory) GetInvestor(ctx context.Context, investorID int64) (*core.Investor, error) {
	body, err := d.investors.Get(ctx, fmt.Sprintf("/investors/%d", investorID), nil)
	if err != nil {
		return nil, classifyLookupErr(err)
	}
	var dto investorDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, fmt.Errorf("decode investor %d: %w", investorID, err)
	}
	return &core.Investor{
		InvestorID:    dto.InvestorID,
		AccountStatus: core.AccountStatus(dto.AccountStatus),
	}, nil
}

func (d *HTTPDirectory) GetAsset(ctx context.Context, assetID int64) (*core.Asset, error) {
	body, err := d.assets.Get(ctx, fmt.Sprintf("/assets/%d", assetID), nil)
	if err != nil {
		return nil, classifyLookupErr(err)
	}
	var dto assetDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, fmt.Errorf("decode asset %d: %w", assetID, err)
	}
	return &core.Asset{
		AssetID:      dto.AssetID,
		IsActive:     dto.IsActive,
		CurrentPrice: dto.CurrentPrice,
	}, nil
}

// classifyLookupErr maps a 404 APIError to apperrors.ErrNotFound (matched by
// the Validator's nil-investor/nil-asset checks) and anything else to
// ErrTransient, so the engine's execution retry policy retries a failed
// lookup made during execution. A failed lookup while loading validation
// inputs is not retried by the engine and rejects the order.
func classifyLookupErr(err error) error {
	var apiErr *pkghttp.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
		return apperrors.ErrNotFound
	}
	return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
}
