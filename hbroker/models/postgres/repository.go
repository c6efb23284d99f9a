package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/huandu/go-sqlbuilder"

	hberrors "github.com/radrouter/hbroker-app/hbroker/errors"
	"github.com/radrouter/hbroker-app/hbroker/models"
)

type queryable interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type executable interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	sqlFlavor = sqlbuilder.PostgreSQL
)

// Ensure Repository satisfies the interface
var _ models.Repository = &Repository{}

type Repository struct {
	queryable
	executable

	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db, db, db}
}

func NewRepositoryTx(tx *sql.Tx) *Repository {
	return &Repository{tx, tx, nil}
}

var brokerColumns = []string{"name", "enabled", "broker_type", "naming_scheme",
	"patient_id_prefix", "patient_name_prefix", "replace_patient_id", "replace_patient_name",
	"lookup_script", "cache_enabled", "cache_ttl_seconds", "cache_max_entries",
	"date_shift_enabled", "date_shift_min_days", "date_shift_max_days", "hash_uids_enabled",
	"api_url", "sts_url", "client_id", "client_secret", "username", "password",
	"auth_style", "request_timeout_seconds", "created_at", "updated_at"}

func (r *Repository) GetBroker(ctx context.Context, name string) (*models.Broker, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(brokerColumns...)
	sb.From("brokers").Where(sb.Equal("name", name))

	query, args := sb.Build()
	row := r.QueryRowContext(ctx, query, args...)

	broker, err := scanBroker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return broker, nil
}

func (r *Repository) ListBrokers(ctx context.Context) ([]*models.Broker, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(brokerColumns...)
	sb.From("brokers").OrderBy("name")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var brokers []*models.Broker
	for rows.Next() {
		broker, err := scanBroker(rows)
		if err != nil {
			return nil, err
		}
		brokers = append(brokers, broker)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return brokers, nil
}

func (r *Repository) CreateBroker(ctx context.Context, broker models.Broker) error {
	ib := sqlFlavor.NewInsertBuilder().InsertInto("brokers").
		Cols("name", "enabled", "broker_type", "naming_scheme",
			"patient_id_prefix", "patient_name_prefix", "replace_patient_id", "replace_patient_name",
			"lookup_script", "cache_enabled", "cache_ttl_seconds", "cache_max_entries",
			"date_shift_enabled", "date_shift_min_days", "date_shift_max_days", "hash_uids_enabled",
			"api_url", "sts_url", "client_id", "client_secret", "username", "password",
			"auth_style", "request_timeout_seconds").
		Values(broker.Name, broker.Enabled, broker.Type, broker.NamingScheme,
			broker.PatientIDPrefix, broker.PatientNamePrefix, broker.ReplacePatientID, broker.ReplacePatientName,
			broker.LookupScript, broker.CacheEnabled, broker.CacheTTLSeconds, broker.CacheMaxEntries,
			broker.DateShiftEnabled, broker.DateShiftMinDays, broker.DateShiftMaxDays, broker.HashUIDsEnabled,
			broker.APIURL, broker.STSURL, broker.ClientID, broker.ClientSecret, broker.Username, broker.Password,
			broker.AuthStyle, broker.RequestTimeoutSeconds)

	query, args := ib.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) UpdateBroker(ctx context.Context, broker models.Broker) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("brokers")
	ub.Set(
		ub.Assign("enabled", broker.Enabled),
		ub.Assign("broker_type", broker.Type),
		ub.Assign("naming_scheme", broker.NamingScheme),
		ub.Assign("patient_id_prefix", broker.PatientIDPrefix),
		ub.Assign("patient_name_prefix", broker.PatientNamePrefix),
		ub.Assign("replace_patient_id", broker.ReplacePatientID),
		ub.Assign("replace_patient_name", broker.ReplacePatientName),
		ub.Assign("lookup_script", broker.LookupScript),
		ub.Assign("cache_enabled", broker.CacheEnabled),
		ub.Assign("cache_ttl_seconds", broker.CacheTTLSeconds),
		ub.Assign("cache_max_entries", broker.CacheMaxEntries),
		ub.Assign("date_shift_enabled", broker.DateShiftEnabled),
		ub.Assign("date_shift_min_days", broker.DateShiftMinDays),
		ub.Assign("date_shift_max_days", broker.DateShiftMaxDays),
		ub.Assign("hash_uids_enabled", broker.HashUIDsEnabled),
		ub.Assign("api_url", broker.APIURL),
		ub.Assign("sts_url", broker.STSURL),
		ub.Assign("client_id", broker.ClientID),
		ub.Assign("client_secret", broker.ClientSecret),
		ub.Assign("username", broker.Username),
		ub.Assign("password", broker.Password),
		ub.Assign("auth_style", broker.AuthStyle),
		ub.Assign("request_timeout_seconds", broker.RequestTimeoutSeconds),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ub.Where(ub.Equal("name", broker.Name))

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &hberrors.BrokerNotFoundError{BrokerName: broker.Name}
	}

	return nil
}

// DeleteBroker removes the broker row and every crosswalk entry it owns in a
// single transaction. There is no undo.
func (r *Repository) DeleteBroker(ctx context.Context, name string) error {
	if r.db == nil {
		return errors.New("DeleteBroker requires a non-transactional repository")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	txRepo := NewRepositoryTx(tx)
	if _, err := txRepo.DeleteCrosswalkEntries(ctx, name); err != nil {
		return err
	}

	db := sqlFlavor.NewDeleteBuilder()
	db.DeleteFrom("brokers")
	db.Where(db.Equal("name", name))

	query, args := db.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &hberrors.BrokerNotFoundError{BrokerName: name}
	}

	return tx.Commit()
}

var crosswalkColumns = []string{"id", "broker_name", "id_type", "id_in", "id_out", "created_at", "updated_at"}

func (r *Repository) GetCrosswalkEntry(ctx context.Context, broker string, idType models.IDType, idIn string) (*models.CrosswalkEntry, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(crosswalkColumns...)
	sb.From("crosswalk_entries").Where(
		sb.Equal("broker_name", broker),
		sb.Equal("id_type", idType),
		sb.Equal("id_in", idIn),
	)

	query, args := sb.Build()
	row := r.QueryRowContext(ctx, query, args...)

	entry, err := scanCrosswalkEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return entry, nil
}

// CreateCrosswalkEntry inserts the mapping atomically. A concurrent writer
// that got there first wins: inserting the identical mapping is treated as
// success, a different idOut for the same key surfaces as ConflictError.
func (r *Repository) CreateCrosswalkEntry(ctx context.Context, entry models.CrosswalkEntry) error {
	query, args := sqlbuilder.Buildf(`INSERT INTO crosswalk_entries
		(broker_name, id_type, id_in, id_out, created_at, updated_at) VALUES
		(%s, %s, %s, %s, NOW(), NOW())
		ON CONFLICT (broker_name, id_type, id_in) DO NOTHING`,
		entry.BrokerName, entry.IDType, entry.IDIn, entry.IDOut).
		BuildWithFlavor(sqlFlavor)

	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	existing, err := r.GetCrosswalkEntry(ctx, entry.BrokerName, entry.IDType, entry.IDIn)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("crosswalk entry for broker %s vanished after conflicting insert", entry.BrokerName)
	}
	if existing.IDOut != entry.IDOut {
		return &hberrors.ConflictError{
			BrokerName: entry.BrokerName,
			IDType:     string(entry.IDType),
			IDIn:       entry.IDIn,
			Existing:   existing.IDOut,
		}
	}

	return nil
}

func (r *Repository) ReverseLookup(ctx context.Context, broker string, idOut string) (*models.CrosswalkEntry, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(crosswalkColumns...)
	sb.From("crosswalk_entries").Where(
		sb.Equal("broker_name", broker),
		sb.Equal("id_out", idOut),
	)
	sb.OrderBy("created_at").Limit(1)

	query, args := sb.Build()
	row := r.QueryRowContext(ctx, query, args...)

	entry, err := scanCrosswalkEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return entry, nil
}

func (r *Repository) CountCrosswalkEntries(ctx context.Context, broker string) (int, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("COUNT(1)").From("crosswalk_entries")
	sb.Where(sb.Equal("broker_name", broker))

	query, args := sb.Build()
	var count int
	if err := r.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return -1, err
	}
	return count, nil
}

func (r *Repository) CountSurrogateEntries(ctx context.Context, broker string) (int, error) {
	types := make([]interface{}, 0, len(models.SurrogateIDTypes))
	for _, t := range models.SurrogateIDTypes {
		types = append(types, t)
	}

	sb := sqlFlavor.NewSelectBuilder().Select("COUNT(1)").From("crosswalk_entries")
	sb.Where(
		sb.Equal("broker_name", broker),
		sb.In("id_type", types...),
	)

	query, args := sb.Build()
	var count int
	if err := r.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return -1, err
	}
	return count, nil
}

func (r *Repository) ListCrosswalkEntries(ctx context.Context, broker string, limit, offset int) ([]*models.CrosswalkEntry, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(crosswalkColumns...)
	sb.From("crosswalk_entries").Where(sb.Equal("broker_name", broker))
	sb.OrderBy("id").Limit(limit).Offset(offset)

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.CrosswalkEntry
	for rows.Next() {
		entry, err := scanCrosswalkEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func (r *Repository) TouchCrosswalkEntry(ctx context.Context, broker string, idType models.IDType, idIn string) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("crosswalk_entries")
	ub.Set(ub.Assign("updated_at", sqlbuilder.Raw("NOW()")))
	ub.Where(
		ub.Equal("broker_name", broker),
		ub.Equal("id_type", idType),
		ub.Equal("id_in", idIn),
	)

	query, args := ub.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) DeleteCrosswalkEntries(ctx context.Context, broker string) (int64, error) {
	db := sqlFlavor.NewDeleteBuilder()
	db.DeleteFrom("crosswalk_entries")
	db.Where(db.Equal("broker_name", broker))

	query, args := db.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanBroker(s scannable) (*models.Broker, error) {
	var (
		b                    models.Broker
		createdAt, updatedAt sql.NullTime
	)
	err := s.Scan(&b.Name, &b.Enabled, &b.Type, &b.NamingScheme,
		&b.PatientIDPrefix, &b.PatientNamePrefix, &b.ReplacePatientID, &b.ReplacePatientName,
		&b.LookupScript, &b.CacheEnabled, &b.CacheTTLSeconds, &b.CacheMaxEntries,
		&b.DateShiftEnabled, &b.DateShiftMinDays, &b.DateShiftMaxDays, &b.HashUIDsEnabled,
		&b.APIURL, &b.STSURL, &b.ClientID, &b.ClientSecret, &b.Username, &b.Password,
		&b.AuthStyle, &b.RequestTimeoutSeconds, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.CreatedAt, b.UpdatedAt = createdAt.Time, updatedAt.Time
	return &b, nil
}

func scanCrosswalkEntry(s scannable) (*models.CrosswalkEntry, error) {
	var (
		e                    models.CrosswalkEntry
		createdAt, updatedAt sql.NullTime
	)
	err := s.Scan(&e.ID, &e.BrokerName, &e.IDType, &e.IDIn, &e.IDOut, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt, e.UpdatedAt = createdAt.Time, updatedAt.Time
	return &e, nil
}
