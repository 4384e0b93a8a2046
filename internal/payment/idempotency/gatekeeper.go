// Package idempotency runs provider webhook handlers at most once per
// (provider, external event id).
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/freelancepay/internal/clock"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Result is what a handler produced. It is stored with the marker and
// replayed verbatim to duplicate deliveries.
type Result struct {
	Processed  bool                      `json:"processed"`
	Reason     string                    `json:"reason,omitempty"`
	Transition *paymentdomain.Transition `json:"transition,omitempty"`
	// Deferred results are returned but not recorded, so a redelivery of
	// the same event is evaluated again.
	Deferred bool `json:"deferred,omitempty"`
}

type Outcome struct {
	Result           Result
	AlreadyProcessed bool
}

// Work runs inside the marker's transaction and must use tx for every write.
type Work func(ctx context.Context, tx *gorm.DB) (Result, error)

var (
	ErrInvalidKey = errors.New("invalid_idempotency_key")

	errDeferred = errors.New("deferred")
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Gatekeeper struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) *Gatekeeper {
	return &Gatekeeper{
		db:    p.DB,
		log:   p.Log.Named("payment.idempotency"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// ProcessOnce claims the event and runs work in one transaction. A
// duplicate returns the stored result without running work. Any work error
// rolls the claim back so the provider's retry is processed.
func (g *Gatekeeper) ProcessOnce(
	ctx context.Context,
	provider string,
	externalEventID string,
	eventType string,
	work Work,
) (Outcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	externalEventID = strings.TrimSpace(externalEventID)
	if provider == "" || externalEventID == "" || work == nil {
		return Outcome{}, ErrInvalidKey
	}

	var outcome Outcome
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		marker := paymentdomain.ProcessedWebhookEvent{
			ID:              g.genID.Generate(),
			Provider:        provider,
			ExternalEventID: externalEventID,
			EventType:       eventType,
			Result:          datatypes.JSON(`{}`),
			ProcessedAt:     g.clock.Now(),
		}
		claimed, err := claim(ctx, tx, &marker)
		if err != nil {
			return fmt.Errorf("claim webhook event: %w", err)
		}
		if !claimed {
			stored, err := loadResult(ctx, tx, provider, externalEventID)
			if err != nil {
				return fmt.Errorf("load webhook result: %w", err)
			}
			outcome = Outcome{Result: stored, AlreadyProcessed: true}
			return nil
		}

		result, err := work(ctx, tx)
		if err != nil {
			return err
		}
		outcome = Outcome{Result: result}
		if result.Deferred {
			return errDeferred
		}

		encoded, err := json.Marshal(result)
		if err != nil {
			return err
		}
		if err := storeResult(ctx, tx, marker.ID, encoded); err != nil {
			return fmt.Errorf("store webhook result: %w", err)
		}
		return nil
	})
	if errors.Is(err, errDeferred) {
		g.log.Debug("webhook event deferred",
			zap.String("provider", provider),
			zap.String("event_id", externalEventID),
			zap.String("reason", outcome.Result.Reason),
		)
		return outcome, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func claim(ctx context.Context, tx *gorm.DB, marker *paymentdomain.ProcessedWebhookEvent) (bool, error) {
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO processed_webhook_events (id, provider, external_event_id, event_type, result, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, external_event_id) DO NOTHING`,
		marker.ID,
		marker.Provider,
		marker.ExternalEventID,
		marker.EventType,
		marker.Result,
		marker.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func loadResult(ctx context.Context, tx *gorm.DB, provider, externalEventID string) (Result, error) {
	var row paymentdomain.ProcessedWebhookEvent
	err := tx.WithContext(ctx).Raw(
		`SELECT id, provider, external_event_id, event_type, result, processed_at
		 FROM processed_webhook_events
		 WHERE provider = ? AND external_event_id = ?
		 LIMIT 1`,
		provider,
		externalEventID,
	).Scan(&row).Error
	if err != nil {
		return Result{}, err
	}
	if row.ID == 0 {
		return Result{}, gorm.ErrRecordNotFound
	}

	var result Result
	if len(row.Result) > 0 {
		if err := json.Unmarshal(row.Result, &result); err != nil {
			return Result{}, err
		}
	}
	return result, nil
}

func storeResult(ctx context.Context, tx *gorm.DB, id snowflake.ID, encoded []byte) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE processed_webhook_events SET result = ? WHERE id = ?`,
		datatypes.JSON(encoded),
		id,
	).Error
}
