package directory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/landlink/landlink/internal/access"
	"github.com/landlink/landlink/internal/idgen"
	"github.com/landlink/landlink/internal/money"
	"github.com/landlink/landlink/internal/tokens"
)

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return ErrInvalidRecord.WithDetail("%s is required", field)
	}
	return nil
}

func oneOf[S ~string](field string, value S, allowed ...S) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return ErrInvalidRecord.WithDetail("%s must be one of %v", field, allowed)
}

func areaCode(field, code string) error {
	if !tokens.ValidAreaCode(code) {
		return ErrInvalidRecord.WithDetail("%s must match ^[A-Z0-9_-]{2,10}$", field)
	}
	return nil
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Client is an aid recipient.
type Client struct {
	Base
	Name      string `json:"name" db:"name"`
	Email     string `json:"email" db:"email"`
	Phone     string `json:"phone" db:"phone"`
	GovIDHash string `json:"govIdHash" db:"gov_id_hash"`
	AreaCode  string `json:"areaCode" db:"area_code"`
	IsActive  bool   `json:"isActive" db:"is_active"`
}

func (c *Client) Prepare() error {
	c.AreaCode = upper(c.AreaCode)
	if err := required("name", c.Name); err != nil {
		return err
	}
	if err := required("govIdHash", c.GovIDHash); err != nil {
		return err
	}
	return areaCode("areaCode", c.AreaCode)
}

// KioskStatus is the operational state of a kiosk.
type KioskStatus string

const (
	KioskOnline      KioskStatus = "ONLINE"
	KioskOffline     KioskStatus = "OFFLINE"
	KioskMaintenance KioskStatus = "MAINTENANCE"
	KioskError       KioskStatus = "ERROR"
)

// Kiosk is a verification and redemption terminal.
type Kiosk struct {
	Base
	KioskCode             string      `json:"kioskCode" db:"kiosk_code"`
	Location              string      `json:"location" db:"location"`
	AreaCode              string      `json:"areaCode" db:"area_code"`
	Latitude              *float64    `json:"latitude,omitempty" db:"latitude"`
	Longitude             *float64    `json:"longitude,omitempty" db:"longitude"`
	Model                 string      `json:"model" db:"model"`
	SoftwareVersion       string      `json:"softwareVersion" db:"software_version"`
	Status                KioskStatus `json:"status" db:"status"`
	LastHeartbeat         *time.Time  `json:"lastHeartbeat,omitempty" db:"last_heartbeat"`
	DailyTransactionLimit int         `json:"dailyTransactionLimit" db:"daily_transaction_limit"`
	CurrentDailyCount     int         `json:"currentDailyCount" db:"current_daily_count"`
	InstalledByOrg        string      `json:"installedByOrg" db:"installed_by_org"`
}

func (k *Kiosk) Prepare() error {
	k.AreaCode = upper(k.AreaCode)
	k.Status = KioskStatus(upper(string(k.Status)))
	if k.Status == "" {
		k.Status = KioskOffline
	}
	if err := required("kioskCode", k.KioskCode); err != nil {
		return err
	}
	if err := areaCode("areaCode", k.AreaCode); err != nil {
		return err
	}
	if err := oneOf("status", k.Status, KioskOnline, KioskOffline, KioskMaintenance, KioskError); err != nil {
		return err
	}
	if k.Latitude != nil && (*k.Latitude < -90 || *k.Latitude > 90) {
		return ErrInvalidRecord.WithDetail("latitude must be between -90 and 90")
	}
	if k.Longitude != nil && (*k.Longitude < -180 || *k.Longitude > 180) {
		return ErrInvalidRecord.WithDetail("longitude must be between -180 and 180")
	}
	if k.DailyTransactionLimit < 0 || k.CurrentDailyCount < 0 {
		return ErrInvalidRecord.WithDetail("daily counters cannot be negative")
	}
	return nil
}

// Admin is an administrative user. Capabilities are a snapshot of the
// role's capability set taken whenever the record is written; callers
// cannot set them.
type Admin struct {
	Base
	Username       string         `json:"username" db:"username"`
	Email          string         `json:"email" db:"email"`
	FullName       string         `json:"fullName" db:"full_name"`
	Role           access.Role    `json:"role" db:"role"`
	ClearanceLevel int            `json:"clearanceLevel" db:"clearance_level"`
	Capabilities   pq.StringArray `json:"capabilities" db:"capabilities"`
	IsActive       bool           `json:"isActive" db:"is_active"`
}

func (a *Admin) Prepare() error {
	if err := required("username", a.Username); err != nil {
		return err
	}
	if err := required("email", a.Email); err != nil {
		return err
	}
	role, ok := access.ParseRole(string(a.Role))
	if !ok || !access.IsAdminRole(role) {
		return ErrInvalidRecord.WithDetail("role must be CEO, ADMIN or SECURITY_ADMIN")
	}
	a.Role = role
	if a.ClearanceLevel < 1 || a.ClearanceLevel > 5 {
		return ErrInvalidRecord.WithDetail("clearanceLevel must be between 1 and 5")
	}
	caps := access.CapabilitiesFor(role)
	a.Capabilities = make(pq.StringArray, len(caps))
	for i, c := range caps {
		a.Capabilities[i] = string(c)
	}
	return nil
}

// EmployeeRole is the seniority of an employee.
type EmployeeRole string

const (
	EmployeeStandard EmployeeRole = "EMPLOYEE"
	EmployeeSenior   EmployeeRole = "SENIOR_EMPLOYEE"
	EmployeeLead     EmployeeRole = "LEAD"
)

// Employee is field staff.
type Employee struct {
	Base
	EmployeeCode string       `json:"employeeCode" db:"employee_code"`
	FullName     string       `json:"fullName" db:"full_name"`
	Email        string       `json:"email" db:"email"`
	Role         EmployeeRole `json:"role" db:"role"`
	Department   string       `json:"department" db:"department"`
	IsActive     bool         `json:"isActive" db:"is_active"`
}

func (e *Employee) Prepare() error {
	e.Role = EmployeeRole(upper(string(e.Role)))
	if e.Role == "" {
		e.Role = EmployeeStandard
	}
	if err := required("employeeCode", e.EmployeeCode); err != nil {
		return err
	}
	if err := required("fullName", e.FullName); err != nil {
		return err
	}
	return oneOf("role", e.Role, EmployeeStandard, EmployeeSenior, EmployeeLead)
}

// Supervisor approves verifications within a set of areas.
type Supervisor struct {
	Base
	SupervisorCode          string         `json:"supervisorCode" db:"supervisor_code"`
	FullName                string         `json:"fullName" db:"full_name"`
	OrganizationID          string         `json:"organizationId" db:"organization_id"`
	AuthorizedAreaCodes     pq.StringArray `json:"authorizedAreaCodes" db:"authorized_area_codes"`
	CanApproveVerifications bool           `json:"canApproveVerifications" db:"can_approve_verifications"`
	IsActive                bool           `json:"isActive" db:"is_active"`
}

func (s *Supervisor) Prepare() error {
	if err := required("supervisorCode", s.SupervisorCode); err != nil {
		return err
	}
	if err := required("fullName", s.FullName); err != nil {
		return err
	}
	if s.AuthorizedAreaCodes == nil {
		s.AuthorizedAreaCodes = pq.StringArray{}
	}
	for i, code := range s.AuthorizedAreaCodes {
		s.AuthorizedAreaCodes[i] = upper(code)
		if err := areaCode("authorizedAreaCodes", s.AuthorizedAreaCodes[i]); err != nil {
			return err
		}
	}
	return nil
}

// Organization is a partner that installs kiosks and employs supervisors.
type Organization struct {
	Base
	Name              string         `json:"name" db:"name"`
	ContactEmail      string         `json:"contactEmail" db:"contact_email"`
	AuthorizedRegions pq.StringArray `json:"authorizedRegions" db:"authorized_regions"`
	IsActive          bool           `json:"isActive" db:"is_active"`
}

func (o *Organization) Prepare() error {
	if o.AuthorizedRegions == nil {
		o.AuthorizedRegions = pq.StringArray{}
	}
	return required("name", o.Name)
}

// SessionStatus is the state of a kiosk session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionAbandoned SessionStatus = "ABANDONED"
)

// KioskSession is one client visit to a kiosk.
type KioskSession struct {
	Base
	KioskID           string        `json:"kioskId" db:"kiosk_id"`
	ClientID          string        `json:"clientId" db:"client_id"`
	Status            SessionStatus `json:"status" db:"status"`
	IdentityVerified  bool          `json:"identityVerified" db:"identity_verified"`
	StaffPresent      bool          `json:"staffPresent" db:"staff_present"`
	DualPhotoCaptured bool          `json:"dualPhotoCaptured" db:"dual_photo_captured"`
	StartedAt         time.Time     `json:"startedAt" db:"started_at"`
	EndedAt           *time.Time    `json:"endedAt,omitempty" db:"ended_at"`
}

func (s *KioskSession) Prepare() error {
	s.Status = SessionStatus(upper(string(s.Status)))
	if s.Status == "" {
		s.Status = SessionActive
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	if err := required("kioskId", s.KioskID); err != nil {
		return err
	}
	if err := oneOf("status", s.Status, SessionActive, SessionCompleted, SessionAbandoned); err != nil {
		return err
	}
	if s.Status == SessionActive && s.EndedAt != nil {
		return ErrInvalidRecord.WithDetail("an active session has no endedAt")
	}
	if s.EndedAt != nil && s.EndedAt.Before(s.StartedAt) {
		return ErrInvalidRecord.WithDetail("endedAt is before startedAt")
	}
	return nil
}

// WalletStatus is the state of a wallet.
type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletSuspended WalletStatus = "SUSPENDED"
)

// Wallet summarises a client's received and spent aid.
type Wallet struct {
	Base
	ClientID      string       `json:"clientId" db:"client_id"`
	Balance       money.Amount `json:"balance" db:"balance"`
	TotalReceived money.Amount `json:"totalReceived" db:"total_received"`
	TotalSpent    money.Amount `json:"totalSpent" db:"total_spent"`
	Status        WalletStatus `json:"status" db:"status"`
}

func (w *Wallet) Prepare() error {
	w.Status = WalletStatus(upper(string(w.Status)))
	if w.Status == "" {
		w.Status = WalletActive
	}
	if err := required("clientId", w.ClientID); err != nil {
		return err
	}
	if w.Balance < 0 || w.TotalReceived < 0 || w.TotalSpent < 0 {
		return ErrInvalidRecord.WithDetail("wallet amounts cannot be negative")
	}
	return oneOf("status", w.Status, WalletActive, WalletSuspended)
}

// TransactionType classifies a wallet transaction.
type TransactionType string

const (
	TxRedemption TransactionType = "REDEMPTION"
	TxTransfer   TransactionType = "TRANSFER"
	TxIssuance   TransactionType = "ISSUANCE"
)

// TransactionStatus is the settlement state of a wallet transaction.
type TransactionStatus string

const (
	TxCompleted TransactionStatus = "COMPLETED"
	TxPending   TransactionStatus = "PENDING"
	TxFailed    TransactionStatus = "FAILED"
)

// Transaction is a wallet movement reported by a kiosk.
type Transaction struct {
	Base
	WalletID   string            `json:"walletId" db:"wallet_id"`
	Type       TransactionType   `json:"type" db:"type"`
	Status     TransactionStatus `json:"status" db:"status"`
	Amount     money.Amount      `json:"amount" db:"amount"`
	Reference  string            `json:"reference" db:"reference"`
	Location   string            `json:"location" db:"location"`
	RetryCount int               `json:"retryCount" db:"retry_count"`
}

func (t *Transaction) Prepare() error {
	t.Type = TransactionType(upper(string(t.Type)))
	t.Status = TransactionStatus(upper(string(t.Status)))
	if t.Status == "" {
		t.Status = TxPending
	}
	if err := required("walletId", t.WalletID); err != nil {
		return err
	}
	if err := oneOf("type", t.Type, TxRedemption, TxTransfer, TxIssuance); err != nil {
		return err
	}
	if err := oneOf("status", t.Status, TxCompleted, TxPending, TxFailed); err != nil {
		return err
	}
	if !t.Amount.IsPositive() {
		return ErrInvalidRecord.WithDetail("amount must be positive")
	}
	if t.RetryCount < 0 {
		return ErrInvalidRecord.WithDetail("retryCount cannot be negative")
	}
	return nil
}

// ValueType is the declared type of a system setting's value.
type ValueType string

const (
	ValueBoolean ValueType = "BOOLEAN"
	ValueString  ValueType = "STRING"
	ValueInteger ValueType = "INTEGER"
	ValueFloat   ValueType = "FLOAT"
	ValueJSON    ValueType = "JSON"
)

// maskedValue replaces sensitive setting values in responses.
const maskedValue = "********"

// SystemSetting is a runtime configuration value. Its id is the setting key.
type SystemSetting struct {
	Base
	Value           string    `json:"value" db:"value"`
	ValueType       ValueType `json:"valueType" db:"value_type"`
	Category        string    `json:"category" db:"category"`
	Description     string    `json:"description" db:"description"`
	RequiresRestart bool      `json:"requiresRestart" db:"requires_restart"`
	IsSensitive     bool      `json:"isSensitive" db:"is_sensitive"`
}

func (s *SystemSetting) Prepare() error {
	s.ID = strings.TrimSpace(s.ID)
	s.ValueType = ValueType(upper(string(s.ValueType)))
	if s.ValueType == "" {
		s.ValueType = ValueString
	}
	if err := required("id", s.ID); err != nil {
		return err
	}
	if err := oneOf("valueType", s.ValueType, ValueBoolean, ValueString, ValueInteger, ValueFloat, ValueJSON); err != nil {
		return err
	}
	if err := checkValue(s.ValueType, s.Value); err != nil {
		return ErrInvalidRecord.WithDetail("value is not a valid %s: %v", s.ValueType, err)
	}
	return nil
}

func checkValue(t ValueType, v string) error {
	var err error
	switch t {
	case ValueBoolean:
		_, err = strconv.ParseBool(v)
	case ValueInteger:
		_, err = strconv.ParseInt(v, 10, 64)
	case ValueFloat:
		_, err = strconv.ParseFloat(v, 64)
	case ValueJSON:
		if !json.Valid([]byte(v)) {
			err = fmt.Errorf("malformed JSON")
		}
	}
	return err
}

func maskSetting(s *SystemSetting) {
	if s.IsSensitive {
		s.Value = maskedValue
	}
}

// keepMaskedValue lets a client write back a setting it read without
// replacing the stored secret with the mask.
func keepMaskedValue(current, next *SystemSetting) {
	if current.IsSensitive && next.Value == maskedValue {
		next.Value = current.Value
	}
}

// Record kinds.
var (
	ClientKind = Kind[Client]{
		Name: "client", Plural: "clients", Path: "clients", Table: "clients",
		Prefix:  idgen.PrefixClient,
		Columns: []string{"name", "email", "phone", "gov_id_hash", "area_code", "is_active"},
		Filters: []Field[Client]{
			{Param: "area", Column: "area_code", Value: func(c *Client) string { return c.AreaCode }},
		},
		Unique: []Field[Client]{
			{Column: "gov_id_hash", Value: func(c *Client) string { return c.GovIDHash }},
		},
	}

	KioskKind = Kind[Kiosk]{
		Name: "kiosk", Plural: "kiosks", Path: "kiosks", Table: "kiosks",
		Prefix: idgen.PrefixKiosk,
		Columns: []string{
			"kiosk_code", "location", "area_code", "latitude", "longitude", "model",
			"software_version", "status", "last_heartbeat", "daily_transaction_limit",
			"current_daily_count", "installed_by_org",
		},
		Filters: []Field[Kiosk]{
			{Param: "area", Column: "area_code", Value: func(k *Kiosk) string { return k.AreaCode }},
			{Param: "status", Column: "status", Value: func(k *Kiosk) string { return string(k.Status) }},
		},
		Unique: []Field[Kiosk]{
			{Column: "kiosk_code", Value: func(k *Kiosk) string { return k.KioskCode }},
		},
	}

	AdminKind = Kind[Admin]{
		Name: "admin", Plural: "admins", Path: "admins", Table: "admins",
		Prefix:  idgen.PrefixAdmin,
		Columns: []string{"username", "email", "full_name", "role", "clearance_level", "capabilities", "is_active"},
		Filters: []Field[Admin]{
			{Param: "role", Column: "role", Value: func(a *Admin) string { return string(a.Role) }},
		},
		Unique: []Field[Admin]{
			{Column: "username", Value: func(a *Admin) string { return a.Username }},
			{Column: "email", Value: func(a *Admin) string { return a.Email }},
		},
	}

	EmployeeKind = Kind[Employee]{
		Name: "employee", Plural: "employees", Path: "employees", Table: "employees",
		Prefix:  idgen.PrefixEmployee,
		Columns: []string{"employee_code", "full_name", "email", "role", "department", "is_active"},
		Filters: []Field[Employee]{
			{Param: "department", Column: "department", Value: func(e *Employee) string { return e.Department }},
		},
		Unique: []Field[Employee]{
			{Column: "employee_code", Value: func(e *Employee) string { return e.EmployeeCode }},
		},
	}

	SupervisorKind = Kind[Supervisor]{
		Name: "supervisor", Plural: "supervisors", Path: "supervisors", Table: "supervisors",
		Prefix: idgen.PrefixSupervisor,
		Columns: []string{
			"supervisor_code", "full_name", "organization_id", "authorized_area_codes",
			"can_approve_verifications", "is_active",
		},
		Filters: []Field[Supervisor]{
			{Param: "organization", Column: "organization_id", Value: func(s *Supervisor) string { return s.OrganizationID }},
		},
		Unique: []Field[Supervisor]{
			{Column: "supervisor_code", Value: func(s *Supervisor) string { return s.SupervisorCode }},
		},
	}

	OrganizationKind = Kind[Organization]{
		Name: "organization", Plural: "organizations", Path: "organizations", Table: "organizations",
		Prefix:  idgen.PrefixOrganization,
		Columns: []string{"name", "contact_email", "authorized_regions", "is_active"},
		Unique: []Field[Organization]{
			{Column: "name", Value: func(o *Organization) string { return o.Name }},
		},
	}

	KioskSessionKind = Kind[KioskSession]{
		Name: "kioskSession", Plural: "kioskSessions", Path: "kiosk-sessions", Table: "kiosk_sessions",
		Prefix: idgen.PrefixSession,
		Columns: []string{
			"kiosk_id", "client_id", "status", "identity_verified", "staff_present",
			"dual_photo_captured", "started_at", "ended_at",
		},
		Filters: []Field[KioskSession]{
			{Param: "kiosk", Column: "kiosk_id", Value: func(s *KioskSession) string { return s.KioskID }},
			{Param: "client", Column: "client_id", Value: func(s *KioskSession) string { return s.ClientID }},
			{Param: "status", Column: "status", Value: func(s *KioskSession) string { return string(s.Status) }},
		},
	}

	WalletKind = Kind[Wallet]{
		Name: "wallet", Plural: "wallets", Path: "wallets", Table: "wallets",
		Prefix:  idgen.PrefixWallet,
		Columns: []string{"client_id", "balance", "total_received", "total_spent", "status"},
		Filters: []Field[Wallet]{
			{Param: "client", Column: "client_id", Value: func(w *Wallet) string { return w.ClientID }},
		},
		Unique: []Field[Wallet]{
			{Column: "client_id", Value: func(w *Wallet) string { return w.ClientID }},
		},
	}

	TransactionKind = Kind[Transaction]{
		Name: "transaction", Plural: "transactions", Path: "transactions", Table: "wallet_transactions",
		Prefix:  idgen.PrefixTransaction,
		Columns: []string{"wallet_id", "type", "status", "amount", "reference", "location", "retry_count"},
		Filters: []Field[Transaction]{
			{Param: "wallet", Column: "wallet_id", Value: func(t *Transaction) string { return t.WalletID }},
			{Param: "status", Column: "status", Value: func(t *Transaction) string { return string(t.Status) }},
		},
	}

	SettingKind = Kind[SystemSetting]{
		Name: "setting", Plural: "settings", Path: "system-settings", Table: "system_settings",
		Columns: []string{"value", "value_type", "category", "description", "requires_restart", "is_sensitive"},
		Filters: []Field[SystemSetting]{
			{Param: "category", Column: "category", Value: func(s *SystemSetting) string { return s.Category }},
		},
		Present: maskSetting,
		Merge:   keepMaskedValue,
	}
)
