package directory

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/landlink/landlink/internal/access"
)

// Compile-time interface checks
var (
	_ Store[Client, *Client] = (*MemoryStore[Client, *Client])(nil)
	_ Store[Client, *Client] = (*PostgresStore[Client, *Client])(nil)
)

// Directory holds one resource per record kind.
type Directory struct {
	Clients       *Resource[Client, *Client]
	Kiosks        *Resource[Kiosk, *Kiosk]
	Admins        *Resource[Admin, *Admin]
	Employees     *Resource[Employee, *Employee]
	Supervisors   *Resource[Supervisor, *Supervisor]
	Organizations *Resource[Organization, *Organization]
	Sessions      *Resource[KioskSession, *KioskSession]
	Wallets       *Resource[Wallet, *Wallet]
	Transactions  *Resource[Transaction, *Transaction]
	Settings      *Resource[SystemSetting, *SystemSetting]
}

func inMemory[T any, P Record[T]](kind *Kind[T]) *Resource[T, P] {
	return NewResource[T, P](kind, NewMemoryStore[T, P](kind))
}

func onPostgres[T any, P Record[T]](db *sqlx.DB, kind *Kind[T]) *Resource[T, P] {
	return NewResource[T, P](kind, NewPostgresStore[T, P](db, kind))
}

// NewMemory creates a directory backed by in-memory stores.
func NewMemory() *Directory {
	return &Directory{
		Clients:       inMemory[Client, *Client](&ClientKind),
		Kiosks:        inMemory[Kiosk, *Kiosk](&KioskKind),
		Admins:        inMemory[Admin, *Admin](&AdminKind),
		Employees:     inMemory[Employee, *Employee](&EmployeeKind),
		Supervisors:   inMemory[Supervisor, *Supervisor](&SupervisorKind),
		Organizations: inMemory[Organization, *Organization](&OrganizationKind),
		Sessions:      inMemory[KioskSession, *KioskSession](&KioskSessionKind),
		Wallets:       inMemory[Wallet, *Wallet](&WalletKind),
		Transactions:  inMemory[Transaction, *Transaction](&TransactionKind),
		Settings:      inMemory[SystemSetting, *SystemSetting](&SettingKind),
	}
}

// NewPostgres creates a directory backed by PostgreSQL.
func NewPostgres(db *sql.DB) *Directory {
	x := sqlx.NewDb(db, "postgres")
	return &Directory{
		Clients:       onPostgres[Client, *Client](x, &ClientKind),
		Kiosks:        onPostgres[Kiosk, *Kiosk](x, &KioskKind),
		Admins:        onPostgres[Admin, *Admin](x, &AdminKind),
		Employees:     onPostgres[Employee, *Employee](x, &EmployeeKind),
		Supervisors:   onPostgres[Supervisor, *Supervisor](x, &SupervisorKind),
		Organizations: onPostgres[Organization, *Organization](x, &OrganizationKind),
		Sessions:      onPostgres[KioskSession, *KioskSession](x, &KioskSessionKind),
		Wallets:       onPostgres[Wallet, *Wallet](x, &WalletKind),
		Transactions:  onPostgres[Transaction, *Transaction](x, &TransactionKind),
		Settings:      onPostgres[SystemSetting, *SystemSetting](x, &SettingKind),
	}
}

// RegisterRoutes sets up the directory CRUD routes on a group that runs
// access.Middleware.
func (d *Directory) RegisterRoutes(r *gin.RouterGroup) {
	records := access.Require(access.CapWriteRecords)
	routes(r, d.Clients, nil, records)
	routes(r, d.Kiosks, nil, records)
	routes(r, d.Employees, nil, records)
	routes(r, d.Supervisors, nil, records)
	routes(r, d.Organizations, nil, records)
	routes(r, d.Sessions, nil, records)
	routes(r, d.Wallets, nil, records)
	routes(r, d.Transactions, nil, records)

	admins := access.Require(access.CapManageAdmins)
	routes(r, d.Admins, admins, admins)

	routes(r, d.Settings, nil, access.Require(access.CapModifyConfig))
}

// ClientArea returns the area a client is registered in. ok is false when
// the client is unknown.
func (d *Directory) ClientArea(ctx context.Context, clientID string) (string, bool, error) {
	c, err := d.Clients.Lookup(ctx, clientID)
	if errors.Is(err, ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return c.AreaCode, true, nil
}

// KioskArea returns the area a kiosk is installed in. ok is false when the
// kiosk is not registered.
func (d *Directory) KioskArea(ctx context.Context, kioskID string) (string, bool, error) {
	k, err := d.Kiosks.Lookup(ctx, kioskID)
	if errors.Is(err, ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return k.AreaCode, true, nil
}
