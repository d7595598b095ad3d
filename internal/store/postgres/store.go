package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/arena-backend/internal/store"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// MatchResultRecord is the match_results row.
type MatchResultRecord struct {
	RoomID    string    `gorm:"column:room_id;primaryKey"`
	Mode      string    `gorm:"column:mode"`
	Variant   string    `gorm:"column:variant"`
	PlayerIDs []byte    `gorm:"column:player_ids;type:jsonb"`
	WinnerID  string    `gorm:"column:winner_id"`
	Reason    string    `gorm:"column:reason"`
	Scores    []byte    `gorm:"column:scores;type:jsonb"`
	History   []byte    `gorm:"column:history;type:jsonb"`
	Actions   []byte    `gorm:"column:actions;type:jsonb"`
	EndedAt   time.Time `gorm:"column:ended_at"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (MatchResultRecord) TableName() string { return "match_results" }

// Store persists results in Postgres. The pgx pool backs both the goose
// migration run and gorm.
type Store struct {
	pool  *pgxpool.Pool
	sqlDB *sql.DB
	db    *gorm.DB
	log   *zap.Logger
}

func NewStore(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(ctx, sqlDB); err != nil {
		sqlDB.Close()
		pool.Close()
		return nil, err
	}

	db, err := gorm.Open(gormpg.New(gormpg.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		sqlDB.Close()
		pool.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	log.Info("postgres results store ready")
	return &Store{pool: pool, sqlDB: sqlDB, db: db, log: log}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if s.sqlDB != nil {
		_ = s.sqlDB.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveResult upserts by room id, so a redelivered result overwrites itself.
func (s *Store) SaveResult(ctx context.Context, res types.MatchResult) error {
	rec, err := toRecord(res)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"winner_id", "reason", "scores", "history", "actions", "ended_at", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert match result %s: %w", res.RoomID, err)
	}
	return nil
}

// Result loads a stored result by room id.
func (s *Store) Result(ctx context.Context, roomID string) (types.MatchResult, error) {
	var rec MatchResultRecord
	if err := s.db.WithContext(ctx).First(&rec, "room_id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.MatchResult{}, store.ErrNotFound
		}
		return types.MatchResult{}, fmt.Errorf("load match result %s: %w", roomID, err)
	}
	return fromRecord(rec)
}

func toRecord(res types.MatchResult) (MatchResultRecord, error) {
	rec := MatchResultRecord{
		RoomID:   res.RoomID,
		Mode:     string(res.Mode),
		Variant:  string(res.Variant),
		WinnerID: res.WinnerPlayerID,
		Reason:   string(res.Reason),
		EndedAt:  res.EndedAt,
	}
	var err error
	if rec.PlayerIDs, err = json.Marshal(res.PlayerIDs); err != nil {
		return rec, fmt.Errorf("encode player ids: %w", err)
	}
	if rec.Scores, err = json.Marshal(res.FinalScores); err != nil {
		return rec, fmt.Errorf("encode scores: %w", err)
	}
	if len(res.History) > 0 {
		if rec.History, err = json.Marshal(res.History); err != nil {
			return rec, fmt.Errorf("encode history: %w", err)
		}
	}
	if len(res.Actions) > 0 {
		if rec.Actions, err = json.Marshal(res.Actions); err != nil {
			return rec, fmt.Errorf("encode actions: %w", err)
		}
	}
	return rec, nil
}

func fromRecord(rec MatchResultRecord) (types.MatchResult, error) {
	res := types.MatchResult{
		RoomID:         rec.RoomID,
		Mode:           types.Mode(rec.Mode),
		Variant:        types.Variant(rec.Variant),
		WinnerPlayerID: rec.WinnerID,
		Reason:         types.EndReason(rec.Reason),
		EndedAt:        rec.EndedAt,
	}
	if err := json.Unmarshal(rec.PlayerIDs, &res.PlayerIDs); err != nil {
		return res, fmt.Errorf("decode player ids: %w", err)
	}
	if err := json.Unmarshal(rec.Scores, &res.FinalScores); err != nil {
		return res, fmt.Errorf("decode scores: %w", err)
	}
	if len(rec.History) > 0 {
		if err := json.Unmarshal(rec.History, &res.History); err != nil {
			return res, fmt.Errorf("decode history: %w", err)
		}
	}
	if len(rec.Actions) > 0 {
		if err := json.Unmarshal(rec.Actions, &res.Actions); err != nil {
			return res, fmt.Errorf("decode actions: %w", err)
		}
	}
	return res, nil
}
