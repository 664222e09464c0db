package sshaudit

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gluk-w/claworc/webssh/internal/database"
	"github.com/gluk-w/claworc/webssh/internal/logutil"
	"github.com/gluk-w/claworc/webssh/internal/sshmanager"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Event types stored in the audit table.
const (
	EventConnectionEstablished = "connection_established"
	EventConnectionFailed      = "connection_failed"
	EventConnectionRemoved     = "connection_removed"
	EventConnectionEvicted     = "connection_evicted"
	EventChannelOpened         = "channel_opened"
	EventChannelClosed         = "channel_closed"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
	maxDetailsLen     = 1024
)

// Entry contains the fields needed to create an audit log row.
type Entry struct {
	EventType    string
	ConnectionID string
	ChannelID    string
	Host         string
	Port         int
	Username     string
	SourceIP     string
	Details      string
}

// Auditor writes audit rows and answers queries over them.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor creates an Auditor writing to db. A non-positive retentionDays
// selects DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an audit row and echoes it to the standard logger.
func (a *Auditor) Log(entry Entry) error {
	record := database.AuditLog{
		EventType:    entry.EventType,
		ConnectionID: entry.ConnectionID,
		ChannelID:    entry.ChannelID,
		Host:         entry.Host,
		Port:         entry.Port,
		Username:     entry.Username,
		SourceIP:     entry.SourceIP,
		Details:      logutil.Truncate(entry.Details, maxDetailsLen),
		CreatedAt:    a.nowFn(),
	}

	a.mu.RLock()
	err := a.db.Create(&record).Error
	a.mu.RUnlock()
	if err != nil {
		log.Printf("[ssh-audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[ssh-audit] %s conn=%s channel=%s target=%s ip=%s details=%s",
		entry.EventType,
		logutil.SanitizeForLog(entry.ConnectionID),
		logutil.SanitizeForLog(entry.ChannelID),
		logutil.Target(entry.Username, entry.Host, entry.Port),
		logutil.SanitizeForLog(entry.SourceIP),
		logutil.SanitizeForLog(record.Details),
	)
	return nil
}

// eventTypes maps registry events to audit event types.
var eventTypes = map[sshmanager.EventType]string{
	sshmanager.EventConnected:     EventConnectionEstablished,
	sshmanager.EventConnectFailed: EventConnectionFailed,
	sshmanager.EventRemoved:       EventConnectionRemoved,
	sshmanager.EventEvicted:       EventConnectionEvicted,
}

// Handle records a registry lifecycle event. Its signature matches
// sshmanager.EventListener; write failures are logged and dropped.
func (a *Auditor) Handle(e sshmanager.Event) {
	eventType, ok := eventTypes[e.Type]
	if !ok {
		log.Printf("[ssh-audit] ignoring unknown registry event %q", e.Type)
		return
	}
	_ = a.Log(Entry{
		EventType:    eventType,
		ConnectionID: e.ConnectionID,
		ChannelID:    e.ChannelID,
		Host:         e.Host,
		Port:         e.Port,
		Username:     e.Username,
		Details:      e.Details,
	})
}

// LogChannel records a client channel opening or closing.
func (a *Auditor) LogChannel(eventType, channelID, sourceIP string) {
	_ = a.Log(Entry{EventType: eventType, ChannelID: channelID, SourceIP: sourceIP})
}

// QueryOptions specifies filters for retrieving audit rows.
type QueryOptions struct {
	ConnectionID string
	ChannelID    string
	EventType    string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// QueryResult contains audit rows and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit rows matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})
	if opts.ConnectionID != "" {
		tx = tx.Where("connection_id = ?", opts.ConnectionID)
	}
	if opts.ChannelID != "" {
		tx = tx.Where("channel_id = ?", opts.ChannelID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count audit logs: %w", err)
	}

	if opts.Limit <= 0 {
		opts.Limit = defaultQueryLimit
	}
	if opts.Limit > maxQueryLimit {
		opts.Limit = maxQueryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	entries := []database.AuditLog{}
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes rows older than days, or older than the retention
// window when days is not positive. It returns the number of rows deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[ssh-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[ssh-audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// Schedule registers the daily retention purge on c.
func (a *Auditor) Schedule(c *cron.Cron) (cron.EntryID, error) {
	id, err := c.AddFunc("@daily", func() {
		_, _ = a.PurgeOlderThan(0)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule audit purge: %w", err)
	}
	return id, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock used for timestamps and purge cutoffs.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}

// SourceIP returns the client address of r without its port. Behind chi's
// RealIP middleware RemoteAddr already holds the forwarded address.
func SourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
