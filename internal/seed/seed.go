// Package seed fills a fresh deployment with plausible development data.
// Every record goes through the same services the HTTP handlers use, so the
// generated data obeys the ledger rules and carries its audit trail.
package seed

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/lib/pq"

	"github.com/landlink/landlink/internal/access"
	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/directory"
	"github.com/landlink/landlink/internal/logging"
	"github.com/landlink/landlink/internal/money"
	"github.com/landlink/landlink/internal/pool"
	"github.com/landlink/landlink/internal/programs"
	"github.com/landlink/landlink/internal/tokens"
)

// ErrNotEmpty is returned when the target already holds programs.
var ErrNotEmpty = errors.New("seed: storage already holds programs")

// Services are the services the seeder writes through.
type Services struct {
	Directory *directory.Directory
	Programs  *programs.Service
	Tokens    *tokens.Service
	Pool      *pool.Service
	Audit     *audit.Service
}

// Options sizes a seed run. Zero fields take the defaults.
type Options struct {
	RandomSeed    uint64
	Organizations int
	Clients       int
	Kiosks        int
	Programs      int
	Tokens        int
	Suspensions   int
}

// DefaultOptions returns the sizes used by cmd/seed.
func DefaultOptions() Options {
	return Options{
		RandomSeed:    1,
		Organizations: 5,
		Clients:       25,
		Kiosks:        15,
		Programs:      8,
		Tokens:        100,
		Suspensions:   2,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RandomSeed == 0 {
		o.RandomSeed = d.RandomSeed
	}
	if o.Organizations <= 0 {
		o.Organizations = d.Organizations
	}
	if o.Clients <= 0 {
		o.Clients = d.Clients
	}
	if o.Kiosks <= 0 {
		o.Kiosks = d.Kiosks
	}
	if o.Programs <= 0 {
		o.Programs = d.Programs
	}
	if o.Tokens <= 0 {
		o.Tokens = d.Tokens
	}
	if o.Suspensions < 0 {
		o.Suspensions = 0
	}
	if o.Suspensions > o.Programs {
		o.Suspensions = o.Programs
	}
	return o
}

// Summary counts what a run created.
type Summary struct {
	Organizations int `json:"organizations"`
	Admins        int `json:"admins"`
	Employees     int `json:"employees"`
	Supervisors   int `json:"supervisors"`
	Clients       int `json:"clients"`
	Kiosks        int `json:"kiosks"`
	Wallets       int `json:"wallets"`
	Transactions  int `json:"transactions"`
	Sessions      int `json:"sessions"`
	Settings      int `json:"settings"`
	Programs      int `json:"programs"`
	Tokens        int `json:"tokens"`
	Redemptions   int `json:"redemptions"`
	Suspended     int `json:"suspended"`
	PoolTokens    int `json:"poolTokens"`
	PoolClaims    int `json:"poolClaims"`
	Verifications int `json:"verifications"`
	Alerts        int `json:"alerts"`
}

var areaCodes = []string{"NRB-01", "MSA-02", "KSM-03", "NKR-04", "ELD-05"}

var (
	regions     = []string{"Nairobi", "Mombasa", "Kisumu", "Nakuru", "Eldoret"}
	givenNames  = []string{"Amina", "Baraka", "Chebet", "Daudi", "Esther", "Faraji", "Grace", "Hassan", "Imani", "Juma", "Kendi", "Lulu", "Mwangi", "Njeri", "Otieno", "Wanjiru"}
	familyNames = []string{"Achieng", "Kamau", "Kiprop", "Mutua", "Njoroge", "Odhiambo", "Omondi", "Wafula", "Wambui", "Mohamed"}
	orgNames    = []string{"Harvest Relief", "Rift Valley Aid", "Coastal Care", "Lakeside Partners", "Highlands Trust", "Savanna Outreach"}
	departments = []string{"Operations", "Security", "Finance", "Field Support", "IT"}
	models      = []string{"AidStation-Pro", "HelpPoint-2000", "ReliefKiosk-X1"}
)

// Seeder generates development data.
type Seeder struct {
	svc  Services
	opts Options
	rng  *rand.Rand
	now  func() time.Time

	orgs     []*directory.Organization
	clients  []*directory.Client
	kiosks   []*directory.Kiosk
	programs []*programs.Program
	tokens   []*tokens.Token
	summary  Summary
}

// New creates a seeder. Runs with the same RandomSeed generate the same
// shapes of data; ids still differ.
func New(svc Services, opts Options) *Seeder {
	opts = opts.withDefaults()
	return &Seeder{
		svc:  svc,
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.RandomSeed, opts.RandomSeed^0x9e3779b97f4a7c15)),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Run creates the data set in storage that holds no programs yet. It stops
// at the first failing step; records written before the failure stay.
func (s *Seeder) Run(ctx context.Context) (*Summary, error) {
	existing, err := s.svc.Programs.List(ctx, programs.Filter{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	if len(existing.Items) > 0 {
		return nil, ErrNotEmpty
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"organizations", s.seedOrganizations},
		{"staff", s.seedStaff},
		{"clients", s.seedClients},
		{"kiosks", s.seedKiosks},
		{"wallets", s.seedWallets},
		{"sessions", s.seedSessions},
		{"settings", s.seedSettings},
		{"programs", s.seedPrograms},
		{"tokens", s.seedTokens},
		{"redemptions", s.seedRedemptions},
		{"suspensions", s.seedSuspensions},
		{"pool claims", s.seedPoolClaims},
		{"verifications", s.seedVerifications},
		{"alerts", s.seedAlerts},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return &s.summary, fmt.Errorf("seed %s: %w", step.name, err)
		}
		logging.L(ctx).Debug("seed step done", "step", step.name)
	}
	logging.L(ctx).Info("database seeded",
		"clients", s.summary.Clients,
		"programs", s.summary.Programs,
		"tokens", s.summary.Tokens,
		"redemptions", s.summary.Redemptions,
		"pool_tokens", s.summary.PoolTokens,
	)
	return &s.summary, nil
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.IntN(len(items))]
}

func (s *Seeder) name() string {
	return pick(s.rng, givenNames) + " " + pick(s.rng, familyNames)
}

// cents returns a random amount in [lo, hi] whole units.
func (s *Seeder) cents(lo, hi int) money.Amount {
	return money.FromCents(int64(lo+s.rng.IntN(hi-lo+1)) * 100)
}

func (s *Seeder) areas(n int) pq.StringArray {
	out := make(pq.StringArray, 0, n)
	seen := map[string]bool{}
	for len(out) < n {
		a := pick(s.rng, areaCodes)
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func (s *Seeder) seedOrganizations(ctx context.Context) error {
	for i := 0; i < s.opts.Organizations; i++ {
		org, err := s.svc.Directory.Organizations.Create(ctx, &directory.Organization{
			Name:              fmt.Sprintf("%s %d", pick(s.rng, orgNames), i+1),
			ContactEmail:      fmt.Sprintf("contact%d@relief.example", i+1),
			AuthorizedRegions: s.areas(2),
			IsActive:          true,
		})
		if err != nil {
			return err
		}
		s.orgs = append(s.orgs, org)
		s.summary.Organizations++
	}
	return nil
}

func (s *Seeder) seedStaff(ctx context.Context) error {
	for i, role := range []access.Role{access.RoleCEO, access.RoleAdmin, access.RoleSecurityAdmin} {
		if _, err := s.svc.Directory.Admins.Create(ctx, &directory.Admin{
			Username:       fmt.Sprintf("admin%d", i+1),
			Email:          fmt.Sprintf("admin%d@landlink.example", i+1),
			FullName:       s.name(),
			Role:           role,
			ClearanceLevel: 3 + s.rng.IntN(3),
			IsActive:       true,
		}); err != nil {
			return err
		}
		s.summary.Admins++
	}

	roles := []directory.EmployeeRole{directory.EmployeeStandard, directory.EmployeeSenior, directory.EmployeeLead}
	for i := 0; i < 10; i++ {
		if _, err := s.svc.Directory.Employees.Create(ctx, &directory.Employee{
			EmployeeCode: fmt.Sprintf("EMP-%04d", 1000+i),
			FullName:     s.name(),
			Email:        fmt.Sprintf("employee%d@landlink.example", i+1),
			Role:         pick(s.rng, roles),
			Department:   pick(s.rng, departments),
			IsActive:     s.rng.IntN(4) != 0,
		}); err != nil {
			return err
		}
		s.summary.Employees++
	}

	for i := 0; i < 5; i++ {
		if _, err := s.svc.Directory.Supervisors.Create(ctx, &directory.Supervisor{
			SupervisorCode:          fmt.Sprintf("SUP-%03d", i+1),
			FullName:                s.name(),
			OrganizationID:          pick(s.rng, s.orgs).ID,
			AuthorizedAreaCodes:     s.areas(2),
			CanApproveVerifications: true,
			IsActive:                true,
		}); err != nil {
			return err
		}
		s.summary.Supervisors++
	}
	return nil
}

func (s *Seeder) seedClients(ctx context.Context) error {
	for i := 0; i < s.opts.Clients; i++ {
		c := &directory.Client{
			Name:      s.name(),
			GovIDHash: fmt.Sprintf("seed-%d-%08x", s.opts.RandomSeed, s.rng.Uint32()),
			AreaCode:  areaCodes[i%len(areaCodes)],
			IsActive:  true,
		}
		if s.rng.IntN(2) == 0 {
			c.Phone = fmt.Sprintf("+2547%08d", s.rng.IntN(100_000_000))
		}
		created, err := s.svc.Directory.Clients.Create(ctx, c)
		if err != nil {
			return err
		}
		s.clients = append(s.clients, created)
		s.summary.Clients++
	}
	return nil
}

func (s *Seeder) seedKiosks(ctx context.Context) error {
	statuses := []directory.KioskStatus{directory.KioskOnline, directory.KioskOnline, directory.KioskOffline, directory.KioskMaintenance, directory.KioskError}
	for i := 0; i < s.opts.Kiosks; i++ {
		lat := -4.0 + s.rng.Float64()*4.5
		lng := 34.0 + s.rng.Float64()*6.0
		k := &directory.Kiosk{
			KioskCode:             fmt.Sprintf("KSK-%03d", i+1),
			Location:              fmt.Sprintf("%s Relief Center %d", pick(s.rng, regions), i+1),
			AreaCode:              areaCodes[i%len(areaCodes)],
			Latitude:              &lat,
			Longitude:             &lng,
			Model:                 pick(s.rng, models),
			SoftwareVersion:       fmt.Sprintf("v%d.%d.%d", 1+s.rng.IntN(3), s.rng.IntN(10), s.rng.IntN(10)),
			Status:                pick(s.rng, statuses),
			DailyTransactionLimit: 50 + s.rng.IntN(151),
			CurrentDailyCount:     s.rng.IntN(50),
			InstalledByOrg:        pick(s.rng, s.orgs).ID,
		}
		if k.Status == directory.KioskOnline {
			hb := s.now()
			k.LastHeartbeat = &hb
		}
		created, err := s.svc.Directory.Kiosks.Create(ctx, k)
		if err != nil {
			return err
		}
		s.kiosks = append(s.kiosks, created)
		s.summary.Kiosks++
	}
	return nil
}

func (s *Seeder) seedWallets(ctx context.Context) error {
	types := []directory.TransactionType{directory.TxRedemption, directory.TxTransfer, directory.TxIssuance}
	txStatuses := []directory.TransactionStatus{directory.TxCompleted, directory.TxCompleted, directory.TxPending, directory.TxFailed}

	for _, c := range s.clients[:len(s.clients)*3/5] {
		received := s.cents(100, 1000)
		spent := money.FromCents(received.Cents() * int64(s.rng.IntN(80)) / 100)
		status := directory.WalletActive
		if s.rng.IntN(5) == 0 {
			status = directory.WalletSuspended
		}
		w, err := s.svc.Directory.Wallets.Create(ctx, &directory.Wallet{
			ClientID:      c.ID,
			Balance:       received - spent,
			TotalReceived: received,
			TotalSpent:    spent,
			Status:        status,
		})
		if err != nil {
			return err
		}
		s.summary.Wallets++

		for j := 0; j < 1+s.rng.IntN(3); j++ {
			tx := &directory.Transaction{
				WalletID:  w.ID,
				Type:      pick(s.rng, types),
				Status:    pick(s.rng, txStatuses),
				Amount:    s.cents(5, 100),
				Reference: fmt.Sprintf("REF-%08X", s.rng.Uint32()),
				Location:  pick(s.rng, s.kiosks).Location,
			}
			if tx.Status == directory.TxFailed {
				tx.RetryCount = 1 + s.rng.IntN(3)
			}
			if _, err := s.svc.Directory.Transactions.Create(ctx, tx); err != nil {
				return err
			}
			s.summary.Transactions++
		}
	}
	return nil
}

func (s *Seeder) seedSessions(ctx context.Context) error {
	for i := 0; i < 20; i++ {
		started := s.now().Add(-time.Duration(1+s.rng.IntN(72)) * time.Hour)
		sess := &directory.KioskSession{
			KioskID:           pick(s.rng, s.kiosks).ID,
			ClientID:          pick(s.rng, s.clients).ID,
			Status:            directory.SessionActive,
			IdentityVerified:  s.rng.IntN(4) != 0,
			StaffPresent:      s.rng.IntN(2) == 0,
			DualPhotoCaptured: s.rng.IntN(3) != 0,
			StartedAt:         started,
		}
		if s.rng.IntN(3) != 0 {
			ended := started.Add(time.Duration(2+s.rng.IntN(20)) * time.Minute)
			sess.EndedAt = &ended
			sess.Status = directory.SessionCompleted
			if s.rng.IntN(4) == 0 {
				sess.Status = directory.SessionAbandoned
			}
		}
		if _, err := s.svc.Directory.Sessions.Create(ctx, sess); err != nil {
			return err
		}
		s.summary.Sessions++
	}
	return nil
}

func (s *Seeder) seedSettings(ctx context.Context) error {
	settings := []directory.SystemSetting{
		{Base: directory.Base{ID: "max_program_violations"}, Value: "3", ValueType: directory.ValueInteger, Category: "programs", Description: "Violations that suspend a program"},
		{Base: directory.Base{ID: "kiosk_heartbeat_seconds"}, Value: "60", ValueType: directory.ValueInteger, Category: "kiosks", Description: "Expected kiosk heartbeat interval"},
		{Base: directory.Base{ID: "verification_min_confidence"}, Value: "0.85", ValueType: directory.ValueFloat, Category: "verification", Description: "Lowest accepted face match score"},
		{Base: directory.Base{ID: "dual_photo_required"}, Value: "true", ValueType: directory.ValueBoolean, Category: "verification", Description: "Require a second photo for every redemption"},
		{Base: directory.Base{ID: "sms_gateway_key"}, Value: "seed-not-a-real-key", ValueType: directory.ValueString, Category: "notifications", IsSensitive: true, RequiresRestart: true},
	}
	for i := range settings {
		if _, err := s.svc.Directory.Settings.Create(ctx, &settings[i]); err != nil {
			// Settings are keyed by name; a second run keeps the first values.
			if errors.Is(err, directory.ErrDuplicate) {
				continue
			}
			return err
		}
		s.summary.Settings++
	}
	return nil
}

func (s *Seeder) seedPrograms(ctx context.Context) error {
	for i := 0; i < s.opts.Programs; i++ {
		area := areaCodes[i%len(areaCodes)]
		p, err := s.svc.Programs.Create(ctx, programs.CreateRequest{
			Region:                 regions[i%len(regions)],
			AreaCode:               area,
			EstimatedBeneficiaries: 100 + s.rng.IntN(4901),
			ExpirationDeadline:     s.now().AddDate(0, 0, 30+s.rng.IntN(60)),
		})
		if err != nil {
			return err
		}
		s.programs = append(s.programs, p)
		s.summary.Programs++
	}
	return nil
}

func (s *Seeder) clientsIn(area string) []*directory.Client {
	var out []*directory.Client
	for _, c := range s.clients {
		if c.AreaCode == area {
			out = append(out, c)
		}
	}
	return out
}

func (s *Seeder) kiosksIn(area string) []*directory.Kiosk {
	var out []*directory.Kiosk
	for _, k := range s.kiosks {
		if k.AreaCode == area {
			out = append(out, k)
		}
	}
	return out
}

func (s *Seeder) seedTokens(ctx context.Context) error {
	for i := 0; i < s.opts.Tokens; i++ {
		p := pick(s.rng, s.programs)
		holders := s.clientsIn(p.AreaCode)
		if len(holders) == 0 {
			holders = s.clients
		}
		t, err := s.svc.Tokens.Issue(ctx, tokens.IssueRequest{
			ClientID:    pick(s.rng, holders).ID,
			ProgramID:   p.ID,
			Amount:      s.cents(50, 500),
			WeeklyLimit: s.cents(25, 100),
		})
		if err != nil {
			return err
		}
		s.tokens = append(s.tokens, t)
		s.summary.Tokens++
	}
	return nil
}

// seedRedemptions spends part of about half the tokens. Some take the whole
// weekly allowance so REDEEMED tokens show up.
func (s *Seeder) seedRedemptions(ctx context.Context) error {
	for _, t := range s.tokens {
		if s.rng.IntN(2) == 0 {
			continue
		}
		allowance := min(t.WeeklyLimit, t.Balance())
		amount := allowance
		if s.rng.IntN(3) != 0 {
			amount = money.FromCents(1 + s.rng.Int64N(allowance.Cents()))
		}
		req := tokens.RedeemRequest{Amount: amount}
		if ks := s.kiosksIn(t.AreaCode); len(ks) > 0 {
			req.KioskID = pick(s.rng, ks).ID
		}
		res, err := s.svc.Tokens.Redeem(ctx, t.ID, req)
		if err != nil {
			return err
		}
		*t = *res.Token
		s.summary.Redemptions++
	}
	return nil
}

func (s *Seeder) seedSuspensions(ctx context.Context) error {
	for i := 0; i < s.opts.Suspensions; i++ {
		p := s.programs[len(s.programs)-1-i]
		res, err := s.svc.Programs.Suspend(ctx, p.ID, "seeded suspension for pool testing")
		if err != nil {
			return err
		}
		*p = *res.Program
		s.summary.Suspended++
		if res.Sweep != nil {
			s.summary.PoolTokens += res.Sweep.Transferred
		}
	}
	return nil
}

// seedPoolClaims claims about a third of the available pool tokens for
// clients registered in each token's area.
func (s *Seeder) seedPoolClaims(ctx context.Context) error {
	if s.svc.Pool == nil {
		return nil
	}
	page, err := s.svc.Pool.List(ctx, pool.Filter{Status: pool.StatusAvailable, Limit: 100})
	if err != nil {
		return err
	}
	for _, pt := range page.Items {
		if s.rng.IntN(3) != 0 {
			continue
		}
		claimants := s.clientsIn(pt.AreaCode)
		if len(claimants) == 0 {
			continue
		}
		req := pool.ClaimRequest{ClientID: pick(s.rng, claimants).ID}
		if ks := s.kiosksIn(pt.AreaCode); len(ks) > 0 {
			req.KioskID = pick(s.rng, ks).ID
		}
		if _, err := s.svc.Pool.Claim(ctx, pt.ID, req); err != nil {
			return err
		}
		s.summary.PoolClaims++
	}
	return nil
}

func (s *Seeder) seedVerifications(ctx context.Context) error {
	failures := []string{"face match below threshold", "document unreadable", "second photo missing"}
	for i := 0; i < 40; i++ {
		c := pick(s.rng, s.clients)
		k := pick(s.rng, s.kiosks)
		score := 0.5 + s.rng.Float64()*0.5
		req := audit.VerificationRequest{
			ClientID:               c.ID,
			ProgramID:              pick(s.rng, s.programs).ID,
			Status:                 audit.VerificationSuccess,
			ConfidenceScore:        &score,
			DualVerificationPassed: score > 0.8,
			KioskLocation:          k.Location,
			KioskID:                k.ID,
		}
		switch s.rng.IntN(8) {
		case 0:
			req.Status = audit.VerificationFailed
			req.FailureReason = pick(s.rng, failures)
		case 1:
			req.Status = audit.VerificationFlagged
			req.FailureReason = "client outside registered area"
			req.GeographicViolation = c.AreaCode != k.AreaCode
		}
		if _, err := s.svc.Audit.LogVerification(ctx, req); err != nil {
			return err
		}
		s.summary.Verifications++
	}
	return nil
}

func (s *Seeder) seedAlerts(ctx context.Context) error {
	types := []audit.AlertType{audit.AlertSecurity, audit.AlertSystem, audit.AlertMaintenance}
	severities := []audit.Severity{audit.SeverityLow, audit.SeverityMedium, audit.SeverityHigh, audit.SeverityCritical}
	for i := 0; i < 10; i++ {
		k := pick(s.rng, s.kiosks)
		a, err := s.svc.Audit.RaiseAlert(ctx, audit.AlertRequest{
			Type:            pick(s.rng, types),
			Severity:        pick(s.rng, severities),
			Category:        "seed",
			Title:           fmt.Sprintf("Kiosk %s reported an anomaly", k.KioskCode),
			Description:     "Generated by the development seeder",
			SourceSystem:    "seed",
			SourceID:        k.ID,
			AffectedKioskID: k.ID,
			AreaCode:        k.AreaCode,
		})
		if err != nil {
			return err
		}
		s.summary.Alerts++

		switch s.rng.IntN(4) {
		case 0:
			_, err = s.svc.Audit.Acknowledge(ctx, a.ID, "admin1")
		case 1:
			if _, err = s.svc.Audit.Acknowledge(ctx, a.ID, "admin1"); err == nil {
				_, err = s.svc.Audit.Resolve(ctx, a.ID, "admin1", "checked on site")
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
