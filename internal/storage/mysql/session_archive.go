package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
	"github.com/si1ence90/SecAgentCore/internal/session"
)

// maxCachedRecords 限制文件归档在内存中保留的最近记录数。
const maxCachedRecords = 512

// SessionRecord 是终态会话的落库结构。State 字段保存完整的
// 会话状态 JSON，其余字段冗余出来用于列表查询。
type SessionRecord struct {
	SessionID   string `json:"session_id"`
	Goal        string `json:"goal"`
	Status      string `json:"status"`
	Iteration   int    `json:"iteration"`
	FinalAnswer string `json:"final_answer,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	TotalTokens int    `json:"total_tokens"`
	State       string `json:"state"`
	CreatedAt   int64  `json:"created_at"`
	ArchivedAt  int64  `json:"archived_at"`
}

// SessionArchive 抽象终态会话的持久化。
type SessionArchive interface {
	Save(ctx context.Context, state *session.State) error
	Get(ctx context.Context, sessionID string) (SessionRecord, error)
	ListLatest(ctx context.Context, limit int) ([]SessionRecord, error)
}

func recordFromState(state *session.State) (SessionRecord, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("序列化会话状态失败: %w", err)
	}
	return SessionRecord{
		SessionID:   state.ID,
		Goal:        state.Goal,
		Status:      string(state.Status),
		Iteration:   state.Iteration,
		FinalAnswer: state.FinalAnswer,
		LastError:   state.LastError,
		TotalTokens: state.TokenUsage.TotalTokens,
		State:       string(encoded),
		CreatedAt:   state.CreatedAt.Unix(),
		ArchivedAt:  time.Now().Unix(),
	}, nil
}

// FileSessionArchive 以 JSONL 追加写的方式归档会话，适合单机部署
// 与迭代开发。最近的记录保留在内存里加速查询。
type FileSessionArchive struct {
	mu       sync.RWMutex
	dataFile string
	records  []SessionRecord
	index    map[string]int
}

// NewFileSessionArchive 创建文件归档，启动时回放已有记录。
func NewFileSessionArchive(path string) (*FileSessionArchive, error) {
	if path == "" {
		path = "sessions.jsonl"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建归档目录失败: %w", err)
		}
	}
	archive := &FileSessionArchive{dataFile: path, index: make(map[string]int)}
	if err := archive.loadFromDisk(); err != nil {
		return nil, err
	}
	return archive, nil
}

// Save 追加写入一条归档记录。同一会话重复归档时以最新一条为准。
func (f *FileSessionArchive) Save(_ context.Context, state *session.State) error {
	record, err := recordFromState(state)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开归档文件失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化归档记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入归档文件失败: %w", err)
	}

	f.insert(record)
	return nil
}

// insert 把记录放到内存缓存头部并重建索引。调用方持有写锁。
func (f *FileSessionArchive) insert(record SessionRecord) {
	if pos, ok := f.index[record.SessionID]; ok {
		f.records = append(f.records[:pos], f.records[pos+1:]...)
	}
	f.records = append([]SessionRecord{record}, f.records...)
	if len(f.records) > maxCachedRecords {
		f.records = f.records[:maxCachedRecords]
	}
	f.index = make(map[string]int, len(f.records))
	for i, rec := range f.records {
		f.index[rec.SessionID] = i
	}
}

// Get 按会话 ID 查询归档记录。
func (f *FileSessionArchive) Get(_ context.Context, sessionID string) (SessionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if pos, ok := f.index[sessionID]; ok {
		return f.records[pos], nil
	}
	return SessionRecord{}, apperrors.Newf(apperrors.CodeNotFound, "会话 %s 未归档", sessionID)
}

// ListLatest 返回最近归档的记录，按归档时间倒序。
func (f *FileSessionArchive) ListLatest(_ context.Context, limit int) ([]SessionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.records) {
		limit = len(f.records)
	}
	results := make([]SessionRecord, limit)
	copy(results, f.records[:limit])
	return results, nil
}

func (f *FileSessionArchive) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取归档文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record SessionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		f.insert(record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析归档文件失败: %w", err)
	}
	return nil
}

// SQLSessionArchive 使用 MySQL 存储归档记录。
type SQLSessionArchive struct {
	db *sql.DB
}

// NewSQLSessionArchive 创建连接池并执行 schema 迁移。
func NewSQLSessionArchive(ctx context.Context, cfg Config) (*SQLSessionArchive, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLSessionArchive{db: db}, nil
}

// Save 写入归档记录。同一会话重复归档时覆盖旧记录。
func (s *SQLSessionArchive) Save(ctx context.Context, state *session.State) error {
	record, err := recordFromState(state)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO sessions
        (session_id, goal, status, iteration, final_answer, last_error, total_tokens, state, created_at, archived_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        status = VALUES(status), iteration = VALUES(iteration),
        final_answer = VALUES(final_answer), last_error = VALUES(last_error),
        total_tokens = VALUES(total_tokens), state = VALUES(state),
        archived_at = VALUES(archived_at)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.SessionID,
		record.Goal,
		record.Status,
		record.Iteration,
		record.FinalAnswer,
		record.LastError,
		record.TotalTokens,
		record.State,
		record.CreatedAt,
		record.ArchivedAt,
	); err != nil {
		return fmt.Errorf("写入归档记录失败: %w", err)
	}
	return nil
}

// Get 按会话 ID 查询归档记录。
func (s *SQLSessionArchive) Get(ctx context.Context, sessionID string) (SessionRecord, error) {
	const query = `SELECT session_id, goal, status, iteration, final_answer, last_error, total_tokens, state, created_at, archived_at
        FROM sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	record, err := scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, apperrors.Newf(apperrors.CodeNotFound, "会话 %s 未归档", sessionID)
		}
		return SessionRecord{}, fmt.Errorf("查询归档记录失败: %w", err)
	}
	return record, nil
}

// ListLatest 查询最近归档的若干条记录。
func (s *SQLSessionArchive) ListLatest(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	const query = `SELECT session_id, goal, status, iteration, final_answer, last_error, total_tokens, state, created_at, archived_at
        FROM sessions ORDER BY archived_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("查询归档记录失败: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("解析归档记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历归档记录失败: %w", err)
	}
	return records, nil
}

func scanRecord(scan func(dest ...any) error) (SessionRecord, error) {
	var record SessionRecord
	var finalAnswer, lastError sql.NullString
	if err := scan(
		&record.SessionID,
		&record.Goal,
		&record.Status,
		&record.Iteration,
		&finalAnswer,
		&lastError,
		&record.TotalTokens,
		&record.State,
		&record.CreatedAt,
		&record.ArchivedAt,
	); err != nil {
		return SessionRecord{}, err
	}
	record.FinalAnswer = finalAnswer.String
	record.LastError = lastError.String
	return record, nil
}

// Close 关闭底层数据库连接。
func (s *SQLSessionArchive) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ SessionArchive = (*FileSessionArchive)(nil)
	_ SessionArchive = (*SQLSessionArchive)(nil)
)
