package orderexec

import (
	"database/sql"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// saveQueueDepth bounds pending snapshot writes. The writer coalesces at
// the channel, so a burst of state changes costs at most this many
// snapshots of backlog.
const saveQueueDepth = 16

type saveMsg struct {
	orders []types.Order
	ack    chan struct{}
}

// AuditEntry is one append-only audit trail record.
type AuditEntry struct {
	RecordedAt   time.Time         `json:"recorded_at"`
	Action       string            `json:"action"`
	OrderID      string            `json:"order_id"`
	Symbol       string            `json:"symbol"`
	Side         types.OrderSide   `json:"side"`
	OrderType    types.OrderType   `json:"order_type"`
	Quantity     int64             `json:"quantity"`
	Price        decimal.Decimal   `json:"price"`
	Status       types.OrderStatus `json:"status"`
	FunctionName string            `json:"function_name"`
	Message      string            `json:"message"`
}

// StateStore persists the active order table and the audit trail in
// DuckDB. Snapshot saves run on a background writer so the order path
// never blocks on disk; Flush drains the queue for shutdown and tests.
type StateStore struct {
	db *sql.DB
	sq squirrel.StatementBuilderType

	saves chan saveMsg
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	logger *logger.Logger
}

// NewStateStore opens (or creates) the store at path. An empty path uses
// an in-memory database, for tests and simulation runs.
func NewStateStore(path string, log *logger.Logger) (*StateStore, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStateInitFailed, "failed to open order state store", err)
	}

	s := &StateStore{
		db:     db,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		saves:  make(chan saveMsg, saveQueueDepth),
		logger: log,
	}

	if err := s.initialize(); err != nil {
		db.Close()

		return nil, err
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

func (s *StateStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			symbol TEXT,
			side TEXT,
			order_type TEXT,
			quantity BIGINT,
			price DOUBLE,
			timestamp TIMESTAMP,
			status TEXT,
			parent_order_id TEXT,
			transmit BOOLEAN,
			reason TEXT,
			message TEXT,
			function_name TEXT,
			filled_price DOUBLE,
			filled_at TIMESTAMP
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStateInitFailed, "failed to create orders table", err)
	}

	_, err = s.db.Exec(`CREATE SEQUENCE IF NOT EXISTS audit_seq`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStateInitFailed, "failed to create audit sequence", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			seq INTEGER PRIMARY KEY DEFAULT nextval('audit_seq'),
			recorded_at TIMESTAMP,
			action TEXT,
			order_id TEXT,
			symbol TEXT,
			side TEXT,
			order_type TEXT,
			quantity BIGINT,
			price DOUBLE,
			status TEXT,
			function_name TEXT,
			message TEXT
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStateInitFailed, "failed to create audit table", err)
	}

	return nil
}

// SaveSnapshotAsync queues a durable save of the full active order table.
// When the queue is full the oldest pending snapshot is dropped: only the
// newest state matters, every snapshot rewrites the whole table.
func (s *StateStore) SaveSnapshotAsync(orders []types.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	snapshot := make([]types.Order, len(orders))
	copy(snapshot, orders)

	msg := saveMsg{orders: snapshot}

	for {
		select {
		case s.saves <- msg:
			return
		default:
			select {
			case <-s.saves:
			default:
			}
		}
	}
}

// Flush blocks until every queued snapshot has been written.
func (s *StateStore) Flush() {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return
	}

	ack := make(chan struct{})
	s.saves <- saveMsg{ack: ack}
	s.mu.Unlock()

	<-ack
}

// Close flushes pending writes and closes the database.
func (s *StateStore) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	close(s.saves)
	s.mu.Unlock()

	s.wg.Wait()

	return s.db.Close()
}

func (s *StateStore) writeLoop() {
	defer s.wg.Done()

	for msg := range s.saves {
		if msg.orders != nil {
			if err := s.writeSnapshot(msg.orders); err != nil {
				s.logger.Error("order state save failed", zap.Error(err))
			}
		}

		if msg.ack != nil {
			close(msg.ack)
		}
	}
}

// writeSnapshot replaces the orders table with the given state in one
// transaction.
func (s *StateStore) writeSnapshot(orders []types.Order) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrCodeStateSaveFailed, "failed to begin save transaction", err)
	}

	if _, err := tx.Exec(`DELETE FROM orders`); err != nil {
		tx.Rollback()

		return errors.Wrap(errors.ErrCodeStateSaveFailed, "failed to clear orders table", err)
	}

	for _, order := range orders {
		query := s.sq.
			Insert("orders").
			Columns("order_id", "symbol", "side", "order_type", "quantity", "price",
				"timestamp", "status", "parent_order_id", "transmit", "reason",
				"message", "function_name", "filled_price", "filled_at").
			Values(order.OrderID, order.Symbol, string(order.Side), string(order.OrderType),
				order.Quantity, order.Price.InexactFloat64(), order.Timestamp,
				string(order.Status), order.ParentOrderID, order.Transmit,
				order.Reason.Reason, order.Reason.Message, order.FunctionName,
				order.FilledPrice.InexactFloat64(), order.FilledAt)

		sqlStr, args, err := query.ToSql()
		if err != nil {
			tx.Rollback()

			return errors.Wrap(errors.ErrCodeStateSaveFailed, "failed to build insert", err)
		}

		if _, err := tx.Exec(sqlStr, args...); err != nil {
			tx.Rollback()

			return errors.Wrapf(errors.ErrCodeStateSaveFailed, err, "failed to save order %s", order.OrderID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrCodeStateSaveFailed, "failed to commit save", err)
	}

	return nil
}

// LoadActiveOrders reconstructs the in-memory order table from the last
// durable snapshot. Corrupt or unreadable state is logged and treated as
// no prior state so the system starts clean instead of refusing to start.
func (s *StateStore) LoadActiveOrders() []types.Order {
	query := s.sq.
		Select("order_id", "symbol", "side", "order_type", "quantity", "price",
			"timestamp", "status", "parent_order_id", "transmit", "reason",
			"message", "function_name", "filled_price", "filled_at").
		From("orders")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		s.logger.Warn("order recovery query build failed, starting clean", zap.Error(err))

		return nil
	}

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		s.logger.Warn("order recovery failed, starting clean", zap.Error(err))

		return nil
	}
	defer rows.Close()

	var orders []types.Order

	for rows.Next() {
		var (
			order                   types.Order
			side, orderType, status string
			price, filledPrice      float64
			filledAt                sql.NullTime
		)

		err := rows.Scan(&order.OrderID, &order.Symbol, &side, &orderType,
			&order.Quantity, &price, &order.Timestamp, &status,
			&order.ParentOrderID, &order.Transmit, &order.Reason.Reason,
			&order.Reason.Message, &order.FunctionName, &filledPrice, &filledAt)
		if err != nil {
			s.logger.Warn("corrupt order row skipped during recovery", zap.Error(err))

			continue
		}

		order.Side = types.OrderSide(side)
		order.OrderType = types.OrderType(orderType)
		order.Status = types.OrderStatus(status)
		order.Price = decimal.NewFromFloat(price)
		order.FilledPrice = decimal.NewFromFloat(filledPrice)

		if filledAt.Valid {
			order.FilledAt = filledAt.Time
		}

		if order.Status.IsTerminal() {
			continue
		}

		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		s.logger.Warn("order recovery iteration failed, using partial state", zap.Error(err))
	}

	return orders
}

// AppendAudit writes one append-only audit record.
func (s *StateStore) AppendAudit(action string, order types.Order) error {
	query := s.sq.
		Insert("audit_log").
		Columns("recorded_at", "action", "order_id", "symbol", "side", "order_type",
			"quantity", "price", "status", "function_name", "message").
		Values(time.Now().UTC(), action, order.OrderID, order.Symbol,
			string(order.Side), string(order.OrderType), order.Quantity,
			order.Price.InexactFloat64(), string(order.Status),
			order.FunctionName, order.Reason.Message)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return errors.Wrap(errors.ErrCodeAuditWriteFailed, "failed to build audit insert", err)
	}

	if _, err := s.db.Exec(sqlStr, args...); err != nil {
		return errors.Wrap(errors.ErrCodeAuditWriteFailed, "failed to append audit record", err)
	}

	return nil
}

// AuditTrail returns the audit records in chronological order.
func (s *StateStore) AuditTrail() ([]AuditEntry, error) {
	query := s.sq.
		Select("recorded_at", "action", "order_id", "symbol", "side", "order_type",
			"quantity", "price", "status", "function_name", "message").
		From("audit_log").
		OrderBy("seq ASC")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeAuditQueryFailed, "failed to build audit query", err)
	}

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeAuditQueryFailed, "failed to query audit trail", err)
	}
	defer rows.Close()

	var entries []AuditEntry

	for rows.Next() {
		var (
			entry                   AuditEntry
			side, orderType, status string
			price                   float64
		)

		err := rows.Scan(&entry.RecordedAt, &entry.Action, &entry.OrderID,
			&entry.Symbol, &side, &orderType, &entry.Quantity, &price,
			&status, &entry.FunctionName, &entry.Message)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeAuditQueryFailed, "failed to scan audit record", err)
		}

		entry.Side = types.OrderSide(side)
		entry.OrderType = types.OrderType(orderType)
		entry.Status = types.OrderStatus(status)
		entry.Price = decimal.NewFromFloat(price)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeAuditQueryFailed, "failed to iterate audit trail", err)
	}

	return entries, nil
}
