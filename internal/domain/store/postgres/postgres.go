package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/store"
	log "outbound-call-server-golang/logger"
)

//go:embed schema.sql
var schema string

type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
	Migrate         bool          `mapstructure:"migrate"`
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 25
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open 通过 pgx 的 database/sql 驱动连接, dsn 含密码不可打印
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}

	s := &Store{db: db}
	if cfg.Migrate {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
		log.Info("postgres schema applied")
	}
	return s, nil
}

// NewWithDB 复用已有连接
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx 执行事务, fn 出错或 panic 时回滚
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const callRecordColumns = `session_id, contact_id, campaign_id, provider_call_id, outcome, duration_sec,
	transcript, collected_data, language, started_at, ended_at`

func (s *Store) SaveCallRecord(ctx context.Context, rec *model.CallRecord) error {
	transcript, err := json.Marshal(nonNilTurns(rec.Transcript))
	if err != nil {
		return err
	}
	data, err := json.Marshal(nonNilMap(rec.CollectedData))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO call_records (`+callRecordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO UPDATE SET
			provider_call_id = EXCLUDED.provider_call_id,
			outcome = EXCLUDED.outcome,
			duration_sec = EXCLUDED.duration_sec,
			transcript = EXCLUDED.transcript,
			collected_data = EXCLUDED.collected_data,
			language = EXCLUDED.language,
			ended_at = EXCLUDED.ended_at`,
		rec.SessionID, rec.ContactID, rec.CampaignID, rec.ProviderCallID, string(rec.Outcome), rec.DurationSec,
		transcript, data, rec.Language, rec.StartedAt, rec.EndedAt)
	if err != nil {
		return fmt.Errorf("save call record: %w", err)
	}
	return nil
}

func scanCallRecord(row scanner) (*model.CallRecord, error) {
	var (
		rec        model.CallRecord
		outcome    string
		transcript []byte
		data       []byte
		endedAt    sql.NullTime
	)
	if err := row.Scan(&rec.SessionID, &rec.ContactID, &rec.CampaignID, &rec.ProviderCallID, &outcome,
		&rec.DurationSec, &transcript, &data, &rec.Language, &rec.StartedAt, &endedAt); err != nil {
		return nil, notFound(err)
	}
	rec.Outcome = model.Outcome(outcome)
	if err := json.Unmarshal(transcript, &rec.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if err := json.Unmarshal(data, &rec.CollectedData); err != nil {
		return nil, fmt.Errorf("decode collected data: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return &rec, nil
}

func (s *Store) GetCallRecord(ctx context.Context, sessionID string) (*model.CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callRecordColumns+` FROM call_records WHERE session_id = $1`, sessionID)
	return scanCallRecord(row)
}

func (s *Store) FindCallRecordByProviderID(ctx context.Context, providerCallID string) (*model.CallRecord, error) {
	if providerCallID == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+callRecordColumns+` FROM call_records
		WHERE provider_call_id = $1 ORDER BY started_at DESC LIMIT 1`, providerCallID)
	return scanCallRecord(row)
}

const contactColumns = `id, campaign_id, phone, name, variables, do_not_call, next_call_at, status, created_at`

func scanContact(row scanner) (*model.Contact, error) {
	var (
		c         model.Contact
		variables []byte
		next      sql.NullTime
		status    string
	)
	if err := row.Scan(&c.ID, &c.CampaignID, &c.Phone, &c.Name, &variables, &c.DoNotCall, &next, &status, &c.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &c.Variables); err != nil {
			return nil, fmt.Errorf("decode contact variables: %w", err)
		}
	}
	if next.Valid {
		t := next.Time
		c.NextCallAt = &t
	}
	c.Status = model.ContactStatus(status)
	return &c, nil
}

func (s *Store) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	return scanContact(row)
}

func (s *Store) UpdateContactStatus(ctx context.Context, id string, status model.ContactStatus) error {
	return expectRow(s.db.ExecContext(ctx, `UPDATE contacts SET status = $2 WHERE id = $1`, id, string(status)))
}

func (s *Store) MarkContactDNC(ctx context.Context, id string) error {
	return expectRow(s.db.ExecContext(ctx,
		`UPDATE contacts SET do_not_call = true, status = $2 WHERE id = $1`, id, string(model.ContactStatusDNC)))
}

func (s *Store) ScheduleContact(ctx context.Context, id string, at time.Time) error {
	return expectRow(s.db.ExecContext(ctx,
		`UPDATE contacts SET status = $2, next_call_at = $3 WHERE id = $1`, id, string(model.ContactStatusScheduled), at))
}

func (s *Store) RequeueContact(ctx context.Context, id string, at time.Time) error {
	return expectRow(s.db.ExecContext(ctx,
		`UPDATE contacts SET status = $2, next_call_at = $3 WHERE id = $1`, id, string(model.ContactStatusPending), at))
}

func (s *Store) ListDueContacts(ctx context.Context, campaignID string, now time.Time, limit int) ([]model.Contact, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+contactColumns+` FROM contacts
		WHERE campaign_id = $1 AND status = $2 AND NOT do_not_call
		  AND (next_call_at IS NULL OR next_call_at <= $3)
		ORDER BY created_at ASC, id ASC
		LIMIT $4`, campaignID, string(model.ContactStatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due contacts: %w", err)
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) CountOpenContacts(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM contacts WHERE campaign_id = $1 AND status IN ($2, $3, $4)`,
		campaignID, string(model.ContactStatusPending), string(model.ContactStatusCalling), string(model.ContactStatusScheduled)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open contacts: %w", err)
	}
	return n, nil
}

const campaignColumns = `id, name, status, max_concurrency, start_hour, end_hour, timezone, languages, persona,
	total, completed, failed, dnc, transferred, rescheduled, created_at`

func scanCampaign(row scanner) (*model.Campaign, error) {
	var (
		c         model.Campaign
		status    string
		languages []byte
		persona   []byte
	)
	if err := row.Scan(&c.ID, &c.Name, &status, &c.MaxConcurrency,
		&c.CallingHours.StartHour, &c.CallingHours.EndHour, &c.CallingHours.Timezone,
		&languages, &persona,
		&c.Counters.Total, &c.Counters.Completed, &c.Counters.Failed, &c.Counters.DNC,
		&c.Counters.Transferred, &c.Counters.Rescheduled, &c.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	c.Status = model.CampaignStatus(status)
	if err := json.Unmarshal(languages, &c.Languages); err != nil {
		return nil, fmt.Errorf("decode languages: %w", err)
	}
	if err := json.Unmarshal(persona, &c.Persona); err != nil {
		return nil, fmt.Errorf("decode persona: %w", err)
	}
	return &c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

func (s *Store) ListActiveCampaigns(ctx context.Context) ([]model.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status = $1 ORDER BY created_at`,
		string(model.CampaignStatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CompleteCampaign 条件更新, 并发的收尾与状态回调中只有一个会看到 true
func (s *Store) CompleteCampaign(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $2 WHERE id = $1 AND status = $3`,
		id, string(model.CampaignStatusCompleted), string(model.CampaignStatusActive))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// counterColumn 结果对应的计数列, 与 CampaignCounters.Apply 保持一致
func counterColumn(o model.Outcome) string {
	switch o {
	case model.OutcomeCompleted:
		return "completed"
	case model.OutcomeDNC:
		return "dnc"
	case model.OutcomeTransferred:
		return "transferred"
	case model.OutcomeRescheduled:
		return "rescheduled"
	default:
		return "failed"
	}
}

func (s *Store) IncrementCampaignCounters(ctx context.Context, id string, outcome model.Outcome) error {
	col := counterColumn(outcome)
	return expectRow(s.db.ExecContext(ctx,
		`UPDATE campaigns SET total = total + 1, `+col+` = `+col+` + 1 WHERE id = $1`, id))
}

func (s *Store) CreateCallback(ctx context.Context, cb *model.Callback) error {
	status := cb.Status
	if status == "" {
		status = model.CallbackStatusPending
	}
	createdAt := cb.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO callbacks (id, contact_id, campaign_id, due_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, cb.ID, cb.ContactID, cb.CampaignID, cb.DueAt, string(status), createdAt)
	if err != nil {
		return fmt.Errorf("create callback: %w", err)
	}
	return nil
}

// ClaimDueCallbacks FOR UPDATE SKIP LOCKED 保证多实例下每条回拨只被领取一次
func (s *Store) ClaimDueCallbacks(ctx context.Context, now time.Time) ([]model.Callback, error) {
	var out []model.Callback
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE callbacks SET status = $1
			WHERE id IN (
				SELECT cb.id FROM callbacks cb
				JOIN campaigns c ON c.id = cb.campaign_id
				WHERE cb.status = $2 AND cb.due_at <= $3 AND c.status = $4
				ORDER BY cb.due_at
				FOR UPDATE OF cb SKIP LOCKED
			)
			RETURNING id, contact_id, campaign_id, due_at, status, created_at`,
			string(model.CallbackStatusQueued), string(model.CallbackStatusPending), now, string(model.CampaignStatusActive))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				cb     model.Callback
				status string
			)
			if err := rows.Scan(&cb.ID, &cb.ContactID, &cb.CampaignID, &cb.DueAt, &status, &cb.CreatedAt); err != nil {
				return err
			}
			cb.Status = model.CallbackStatus(status)
			out = append(out, cb)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claim due callbacks: %w", err)
	}
	return out, nil
}

func nonNilTurns(t []model.Turn) []model.Turn {
	if t == nil {
		return []model.Turn{}
	}
	return t
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
