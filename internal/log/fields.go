package log

import (
	"errors"

	"allocator/internal/core"
)

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldQuery      = "query"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldUserAgent  = "user_agent"
	FieldSuccess    = "success"
	FieldError      = "error"
	FieldOperation  = "operation"
	FieldTable      = "table"
	FieldTransient  = "transient"
	FieldExpenseID  = "expense_id"
	FieldProposalID = "proposal_id"
	FieldUserID     = "user_id"
	FieldFromUser   = "from_user_id"
	FieldToUser     = "to_user_id"
	FieldAccountID  = "account_id"
	FieldFrequency  = "frequency"
	FieldRatio      = "ratio"
	FieldAmount     = "amount"
	FieldStatus     = "status"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentExpense   = "expense"
	ComponentProposal  = "proposal"
	ComponentAccount   = "account"
	ComponentIncome    = "income"
	ComponentAggregate = "aggregate"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentNotify    = "notify"
	ComponentImport    = "import"
	ComponentSheets    = "sheets"
	ComponentBackend   = "backend"
	ComponentTrace     = "trace"
)

// Operations defines standard operation names
const (
	OpCreate   = "create"
	OpRead     = "read"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpList     = "list"
	OpPropose  = "propose"
	OpAccept   = "accept"
	OpReject   = "reject"
	OpImport   = "import"
	OpExport   = "export"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds the error text, and the store table and transient tag when
// err carries them.
func (f LogFields) WithError(err error) LogFields {
	if err == nil {
		return f
	}
	f[FieldError] = err.Error()
	var se *core.StoreError
	if errors.As(err, &se) {
		f[FieldTable] = se.Table
		f[FieldTransient] = se.Transient
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithUser(userID string) LogFields {
	f[FieldUserID] = userID
	return f
}

func (f LogFields) WithExpense(expenseID string) LogFields {
	f[FieldExpenseID] = expenseID
	return f
}

// WithProposal adds the fields identifying a split proposal.
func (f LogFields) WithProposal(proposalID, expenseID, fromUser, toUser string, ratio float64) LogFields {
	f[FieldProposalID] = proposalID
	f[FieldExpenseID] = expenseID
	f[FieldFromUser] = fromUser
	f[FieldToUser] = toUser
	f[FieldRatio] = ratio
	return f
}

// WithHTTPRequest adds HTTP request fields
func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	if userAgent != "" {
		f[FieldUserAgent] = userAgent
	}
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
