package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/uhyunpark/hyperroute/pkg/order"
)

// orderRow is the orders table. Quotes and routing decision are JSONB.
type orderRow struct {
	ID              string                 `gorm:"primaryKey;size:64"`
	OrderType       string                 `gorm:"size:16;not null"`
	TokenIn         string                 `gorm:"size:64;not null"`
	TokenOut        string                 `gorm:"size:64;not null"`
	AmountIn        decimal.Decimal        `gorm:"type:numeric;not null"`
	Status          string                 `gorm:"size:16;index;not null"`
	SelectedVenue   string                 `gorm:"size:32"`
	Quotes          []order.Quote          `gorm:"serializer:json;type:jsonb"`
	RoutingDecision *order.RoutingDecision `gorm:"serializer:json;type:jsonb"`
	ExecutedPrice   *decimal.Decimal       `gorm:"type:numeric"`
	AmountOut       *decimal.Decimal       `gorm:"type:numeric"`
	TxHash          string                 `gorm:"size:128"`
	ErrorMessage    string                 `gorm:"type:text"`
	RetryCount      int                    `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

func (orderRow) TableName() string { return "orders" }

// historyRow is the append-only order_history table
type historyRow struct {
	ID        uint64        `gorm:"primaryKey;autoIncrement"`
	OrderID   string        `gorm:"size:64;index;not null"`
	Status    string        `gorm:"size:16;not null"`
	Message   string        `gorm:"type:text"`
	Metadata  *order.Update `gorm:"serializer:json;type:jsonb"`
	CreatedAt time.Time
}

func (historyRow) TableName() string { return "order_history" }

// PostgresStore keeps orders and their audit trail in PostgreSQL.
// Queue jobs stay in Pebble; this store only replaces the order repository.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects and migrates the schema
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxIdleTime(30 * time.Second)

	if err := db.AutoMigrate(&orderRow{}, &historyRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o *order.Order) error {
	row := toRow(o)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", order.ErrExists, o.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadOrder(ctx context.Context, id string) (*order.Order, error) {
	var row orderRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return fromRow(row), nil
}

// UpdateOrder applies the change in one conditional UPDATE; the status guard
// rejects backward moves without a separate read.
func (s *PostgresStore) UpdateOrder(ctx context.Context, id string, status order.Status, upd order.Update, now time.Time) error {
	cols, err := updateColumns(status, upd, now)
	if err != nil {
		return err
	}

	allowed := make([]string, 0, 4)
	for _, st := range order.AllowedFrom(status) {
		allowed = append(allowed, string(st))
	}

	res := s.db.WithContext(ctx).Model(&orderRow{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("failed to update order: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var current orderRow
	err = s.db.WithContext(ctx).Select("status").First(&current, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return order.ValidateTransition(order.Status(current.Status), status)
}

func (s *PostgresStore) IncrementRetry(ctx context.Context, id string, now time.Time) (int, error) {
	var row orderRow
	res := s.db.WithContext(ctx).Model(&row).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "retry_count"}}}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return row.RetryCount, nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, e order.HistoryEntry) error {
	row := historyRow{
		OrderID:   e.OrderID,
		Status:    string(e.Status),
		Message:   e.Message,
		Metadata:  e.Metadata,
		CreatedAt: e.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, orderID string) ([]order.HistoryEntry, error) {
	var rows []historyRow
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	out := make([]order.HistoryEntry, len(rows))
	for i, r := range rows {
		out[i] = order.HistoryEntry{
			OrderID:   r.OrderID,
			Status:    order.Status(r.Status),
			Message:   r.Message,
			Metadata:  r.Metadata,
			Timestamp: r.CreatedAt,
		}
	}
	return out, nil
}

// updateColumns maps a partial update onto column assignments.
// JSONB columns are encoded here because map updates bypass field serializers.
func updateColumns(status order.Status, upd order.Update, now time.Time) (map[string]interface{}, error) {
	cols := map[string]interface{}{
		"status":     string(status),
		"updated_at": now,
	}
	if upd.SelectedVenue != "" {
		cols["selected_venue"] = string(upd.SelectedVenue)
	}
	if upd.Quotes != nil {
		b, err := json.Marshal(upd.Quotes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal quotes: %w", err)
		}
		cols["quotes"] = string(b)
	}
	if upd.RoutingDecision != nil {
		b, err := json.Marshal(upd.RoutingDecision)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal routing decision: %w", err)
		}
		cols["routing_decision"] = string(b)
	}
	if upd.ExecutedPrice != nil {
		cols["executed_price"] = *upd.ExecutedPrice
	}
	if upd.AmountOut != nil {
		cols["amount_out"] = *upd.AmountOut
	}
	if upd.TxRef != "" {
		cols["tx_hash"] = upd.TxRef
	}
	if upd.ErrorMessage != "" {
		cols["error_message"] = upd.ErrorMessage
	}
	if upd.RetryCount != nil {
		cols["retry_count"] = gorm.Expr("GREATEST(retry_count, ?)", *upd.RetryCount)
	}
	if status.Terminal() {
		cols["completed_at"] = now
	}
	return cols, nil
}

func toRow(o *order.Order) orderRow {
	return orderRow{
		ID:              o.ID,
		OrderType:       string(o.Type),
		TokenIn:         o.TokenIn,
		TokenOut:        o.TokenOut,
		AmountIn:        o.AmountIn,
		Status:          string(o.Status),
		SelectedVenue:   string(o.SelectedVenue),
		Quotes:          o.Quotes,
		RoutingDecision: o.RoutingDecision,
		ExecutedPrice:   o.ExecutedPrice,
		AmountOut:       o.AmountOut,
		TxHash:          o.TxRef,
		ErrorMessage:    o.ErrorMessage,
		RetryCount:      o.RetryCount,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		CompletedAt:     o.CompletedAt,
	}
}

func fromRow(r orderRow) *order.Order {
	return &order.Order{
		ID:              r.ID,
		Type:            order.Type(r.OrderType),
		TokenIn:         r.TokenIn,
		TokenOut:        r.TokenOut,
		AmountIn:        r.AmountIn,
		Status:          order.Status(r.Status),
		SelectedVenue:   order.Venue(r.SelectedVenue),
		Quotes:          r.Quotes,
		RoutingDecision: r.RoutingDecision,
		ExecutedPrice:   r.ExecutedPrice,
		AmountOut:       r.AmountOut,
		TxRef:           r.TxHash,
		ErrorMessage:    r.ErrorMessage,
		RetryCount:      r.RetryCount,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CompletedAt:     r.CompletedAt,
	}
}
