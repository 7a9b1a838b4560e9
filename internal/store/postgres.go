package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultEntryLimit = 50
	maxEntryLimit     = 200
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const entryColumns = `uid, id, etat, innhold, saksnr, sak_key, doknr, sak_tittel, jdato, dokdato,
	source_type, source_url, avsmot, betegnelse, aar, sekvens, tilgangskode, hentet_tid, kind, extra`

// ListEntries returns one page of the journal listing and the exact number of matching rows.
func (s *PostgresStore) ListEntries(ctx context.Context, q EntryQuery) ([]Entry, int, error) {
	listSQL, countSQL, args := buildEntryQuery(q)

	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	return entries, total, nil
}

// buildEntryQuery returns the page query, the count query and the arguments of the page
// query. The last two arguments are limit and offset; the count query takes the rest.
func buildEntryQuery(q EntryQuery) (string, string, []any) {
	where := []string{"(kind IS NULL OR kind <> 'saksmappe')"}
	var args []any

	if sourceType := strings.TrimSpace(q.SourceType); sourceType != "" {
		args = append(args, sourceType)
		where = append(where, fmt.Sprintf("source_type = $%d", len(args)))
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		args = append(args, "%"+escapeLike(text)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(etat ILIKE $%[1]d OR innhold ILIKE $%[1]d OR saksnr ILIKE $%[1]d OR sak_tittel ILIKE $%[1]d)", n))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultEntryLimit
	}
	if limit > maxEntryLimit {
		limit = maxEntryLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	clause := strings.Join(where, " AND ")
	countSQL := "SELECT COUNT(*) FROM entries WHERE " + clause

	args = append(args, limit, offset)
	listSQL := fmt.Sprintf(`SELECT %s FROM entries WHERE %s
		ORDER BY jdato DESC NULLS LAST, hentet_tid DESC NULLS LAST
		LIMIT $%d OFFSET $%d`, entryColumns, clause, len(args)-1, len(args))
	return listSQL, countSQL, args
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// ListCaseEntries returns every journal post that shares the authority and case key.
func (s *PostgresStore) ListCaseEntries(ctx context.Context, authority, caseKey string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries
		WHERE etat = $1 AND (sak_key = $2 OR split_part(saksnr, '-', 1) = $2)
			AND (kind IS NULL OR kind <> 'saksmappe')
		ORDER BY jdato ASC NULLS LAST, doknr ASC NULLS LAST`, authority, caseKey)
	if err != nil {
		return nil, fmt.Errorf("list case entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("list case entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id int64) (Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = $1`, id)
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	if len(entries) == 0 {
		return Entry{}, sql.ErrNoRows
	}
	return entries[0], nil
}

// ListAllEntries streams every journal post to fn in id order. Used for search reindexing.
func (s *PostgresStore) ListAllEntries(ctx context.Context, fn func([]Entry) error) error {
	const batch = 500
	var lastID int64
	for {
		rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries
			WHERE id > $1 AND (kind IS NULL OR kind <> 'saksmappe')
			ORDER BY id ASC LIMIT $2`, lastID, batch)
		if err != nil {
			return fmt.Errorf("list all entries: %w", err)
		}
		entries, err := scanEntries(rows)
		rows.Close()
		if err != nil {
			return fmt.Errorf("list all entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		if err := fn(entries); err != nil {
			return err
		}
		lastID = entries[len(entries)-1].ID
		if len(entries) < batch {
			return nil
		}
	}
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			entry                                   Entry
			uid, authority, title, caseNumber       sql.NullString
			caseKey, docNumber, caseTitle           sql.NullString
			sourceType, sourceURL, senderRecipient  sql.NullString
			designation, accessCode, kind           sql.NullString
			journalDate, documentDate, retrievedAt  sql.NullTime
			year, sequence                          sql.NullInt64
			extra                                   []byte
		)
		if err := rows.Scan(
			&uid, &entry.ID, &authority, &title, &caseNumber, &caseKey, &docNumber, &caseTitle,
			&journalDate, &documentDate, &sourceType, &sourceURL, &senderRecipient, &designation,
			&year, &sequence, &accessCode, &retrievedAt, &kind, &extra,
		); err != nil {
			return nil, err
		}
		entry.UID = uid.String
		entry.Authority = authority.String
		entry.Title = title.String
		entry.CaseNumber = caseNumber.String
		entry.CaseKey = caseKey.String
		entry.DocumentNumber = nullStringPtr(docNumber)
		entry.CaseTitle = caseTitle.String
		entry.JournalDate = nullTimePtr(journalDate)
		entry.DocumentDate = nullTimePtr(documentDate)
		entry.SourceType = sourceType.String
		entry.SourceURL = sourceURL.String
		entry.SenderRecipient = senderRecipient.String
		entry.Designation = designation.String
		entry.Year = nullIntPtr(year)
		entry.Sequence = nullIntPtr(sequence)
		entry.AccessCode = accessCode.String
		entry.RetrievedAt = nullTimePtr(retrievedAt)
		entry.Kind = kind.String
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &entry.Extra); err != nil {
				return nil, fmt.Errorf("decode extra for entry %d: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListRecommendedEntries returns the keyword-scored feed, best score first.
func (s *PostgresStore) ListRecommendedEntries(ctx context.Context, limit int) ([]RecommendedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(uid, ''), COALESCE(etat, ''), COALESCE(innhold, ''), COALESCE(saksnr, ''),
			COALESCE(jdato_date::text, ''), COALESCE(avsmot, ''), COALESCE(source_url, ''), kw_score
		FROM recommended_entries
		ORDER BY kw_score DESC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recommended entries: %w", err)
	}
	defer rows.Close()

	var items []RecommendedEntry
	for rows.Next() {
		var item RecommendedEntry
		var score sql.NullFloat64
		if err := rows.Scan(&item.ID, &item.UID, &item.Authority, &item.Title, &item.CaseNumber,
			&item.JournalDate, &item.SenderRecipient, &item.SourceURL, &score); err != nil {
			return nil, fmt.Errorf("scan recommended entry: %w", err)
		}
		if score.Valid {
			value := score.Float64
			item.Score = &value
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListRecommendedJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(source, ''), COALESCE(source_job_id, ''), COALESCE(url, ''), COALESCE(title, ''),
			COALESCE(employer, ''), COALESCE(location, ''), COALESCE(category, ''), published_date, deadline_date
		FROM recommended_jobs
		ORDER BY published_date DESC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recommended jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		var published, deadline sql.NullTime
		if err := rows.Scan(&job.ID, &job.Source, &job.SourceJobID, &job.URL, &job.Title,
			&job.Employer, &job.Location, &job.Category, &published, &deadline); err != nil {
			return nil, fmt.Errorf("scan recommended job: %w", err)
		}
		job.PublishedDate = nullTimePtr(published)
		job.DeadlineDate = nullTimePtr(deadline)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const requestColumns = `id, user_id, type, source, source_entry_id, etat, recipient_email, subject, body,
	sent_at, status, outcome, remind_at, created_at, updated_at`

func (s *PostgresStore) InsertRequest(ctx context.Context, req Request) (Request, error) {
	var outcome *string
	if req.Outcome != nil {
		value := string(*req.Outcome)
		outcome = &value
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO innsyn_requests (id, user_id, type, source, source_entry_id, etat, recipient_email,
			subject, body, sent_at, status, outcome, remind_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+requestColumns,
		req.ID, req.UserID, string(req.Type), req.Source, req.SourceEntryID, req.Authority, req.RecipientEmail,
		req.Subject, req.Body, req.SentAt, string(req.Status), outcome, req.RemindAt,
	)
	created, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("insert request: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id, userID string) (Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM innsyn_requests WHERE id = $1 AND user_id = $2`, id, userID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// GetRequestByID loads a request regardless of owner. Used by the dispatch function.
func (s *PostgresStore) GetRequestByID(ctx context.Context, id string) (Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM innsyn_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// ListRequests returns the user's requests newest first. An empty type lists every type.
func (s *PostgresStore) ListRequests(ctx context.Context, userID string, requestType RequestType) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM innsyn_requests WHERE user_id = $1`
	args := []any{userID}
	if requestType != "" {
		query += ` AND type = $2`
		args = append(args, string(requestType))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func (s *PostgresStore) UpdateRequestOutcome(ctx context.Context, id, userID string, outcome Outcome) error {
	return s.updateRequest(ctx, "update request outcome",
		`UPDATE innsyn_requests SET outcome = $3, updated_at = NOW() WHERE id = $1 AND user_id = $2`,
		id, userID, string(outcome))
}

func (s *PostgresStore) UpdateRequestRecipient(ctx context.Context, id, userID, email string) error {
	return s.updateRequest(ctx, "update request recipient",
		`UPDATE innsyn_requests SET recipient_email = $3, updated_at = NOW() WHERE id = $1 AND user_id = $2`,
		id, userID, email)
}

// ClaimRequest marks a draft or queued request as being dispatched and returns it. A
// claim older than staleBefore is taken over. sql.ErrNoRows means the request is missing,
// already sent, or claimed by another dispatch.
func (s *PostgresStore) ClaimRequest(ctx context.Context, id string, staleBefore time.Time) (Request, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE innsyn_requests SET dispatch_claimed_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'queued')
			AND (dispatch_claimed_at IS NULL OR dispatch_claimed_at < $2)
		RETURNING `+requestColumns,
		id, staleBefore,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("claim request: %w", err)
	}
	return req, nil
}

// ReleaseRequest drops the dispatch claim of a request that was not sent.
func (s *PostgresStore) ReleaseRequest(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE innsyn_requests SET dispatch_claimed_at = NULL WHERE id = $1`, id); err != nil {
		return fmt.Errorf("release request: %w", err)
	}
	return nil
}

// MarkRequestSent records a completed dispatch of a claimed request.
func (s *PostgresStore) MarkRequestSent(ctx context.Context, id string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE innsyn_requests SET status = 'sent', sent_at = $2, dispatch_claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'queued') AND dispatch_claimed_at IS NOT NULL
	`, id, sentAt)
	if err != nil {
		return fmt.Errorf("mark request sent: %w", err)
	}
	return expectRow(res, "mark request sent")
}

func (s *PostgresStore) updateRequest(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectRow(res, op)
}

func expectRow(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		req                    Request
		requestType, status    string
		source, authority      sql.NullString
		recipient, outcome     sql.NullString
		subject, body          sql.NullString
		sentAt, remindAt       sql.NullTime
		sourceEntryID          sql.NullInt64
	)
	if err := row.Scan(&req.ID, &req.UserID, &requestType, &source, &sourceEntryID, &authority, &recipient,
		&subject, &body, &sentAt, &status, &outcome, &remindAt, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return Request{}, err
	}
	req.Type = RequestType(requestType)
	req.Source = source.String
	req.SourceEntryID = sourceEntryID.Int64
	req.Authority = authority.String
	req.RecipientEmail = nullStringPtr(recipient)
	req.Subject = subject.String
	req.Body = body.String
	req.SentAt = nullTimePtr(sentAt)
	req.Status = RequestStatus(status)
	if outcome.Valid {
		value := Outcome(outcome.String)
		req.Outcome = &value
	}
	req.RemindAt = nullTimePtr(remindAt)
	return req, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, event EntryEvent) error {
	var extra []byte
	if len(event.Extra) > 0 {
		encoded, err := json.Marshal(event.Extra)
		if err != nil {
			return fmt.Errorf("encode event extra: %w", err)
		}
		extra = encoded
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entry_events (user_id, entry_uid, action, session_id, etat, innhold, avsmot, extra, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.UserID, event.EntryUID, string(event.Action), event.SessionID,
		nullIfEmpty(event.Authority), nullIfEmpty(event.Title), nullIfEmpty(event.SenderRecipient), extra, createdAt)
	if err != nil {
		return fmt.Errorf("insert entry event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	var email, fullName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, full_name, approved, is_admin FROM profiles WHERE id = $1
	`, userID).Scan(&profile.ID, &email, &fullName, &profile.Approved, &profile.IsAdmin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, err
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	profile.Email = email.String
	profile.FullName = fullName.String
	return profile, nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullIntPtr(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	n := int(value.Int64)
	return &n
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
