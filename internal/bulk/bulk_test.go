package bulk

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docforge/internal/billing"
	"docforge/internal/database"
	"docforge/internal/errcode"
	"docforge/internal/ingest"
	"docforge/internal/jobs"
	"docforge/internal/layout"
	"docforge/internal/render"
	"docforge/internal/storage"
)

type fakeNotifier struct {
	mu        sync.Mutex
	progress  []StatusView
	completed []Completion
}

func (n *fakeNotifier) Progress(_ context.Context, s StatusView) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, s)
	return nil
}

func (n *fakeNotifier) Completed(_ context.Context, c Completion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, c)
	return nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	err     error
	batches []Batch
}

func (d *fakeDispatcher) Dispatch(_ context.Context, b Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.batches = append(d.batches, b)
	return nil
}

type fakeBilling struct {
	mu        sync.Mutex
	suppliers map[string]uint
	invoices  []billing.InvoiceRecord
}

func (b *fakeBilling) ResolveSupplier(_ context.Context, _ uint, name, email string) (*billing.Supplier, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.suppliers == nil {
		b.suppliers = map[string]uint{}
	}
	key := billing.NameKey(name)
	id, ok := b.suppliers[key]
	if !ok {
		id = uint(len(b.suppliers) + 1)
		b.suppliers[key] = id
	}
	return &billing.Supplier{ID: id, Name: name, Email: email}, nil
}

// RecordInvoice keeps the first invoice of a (job, row) like the real service.
func (b *fakeBilling) RecordInvoice(_ context.Context, rec billing.InvoiceRecord) (uint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, inv := range b.invoices {
		if inv.JobID == rec.JobID && inv.RowIndex == rec.RowIndex {
			return uint(i + 1), nil
		}
	}
	b.invoices = append(b.invoices, rec)
	return uint(len(b.invoices)), nil
}

// stubGenerator stores a tiny artifact per row. Rows with "fail" set fail,
// rows with "panic" set panic.
type stubGenerator struct {
	blobs storage.Blobs
}

func (g stubGenerator) Generate(ctx context.Context, req render.GenerateRequest) (*render.Generated, error) {
	if _, ok := req.Values["panic"]; ok {
		panic("renderer exploded")
	}
	if _, ok := req.Values["fail"]; ok {
		return nil, errors.New("bad image url")
	}
	key := render.ObjectKey(req.Document.EntityID, req.Document.ID, "png")
	url, err := g.blobs.Upload(ctx, key, []byte(fmt.Sprint(req.Values["Invoice Number"])), storage.UploadOptions{ContentType: "image/png"})
	if err != nil {
		return nil, err
	}
	return &render.Generated{ObjectKey: key, URL: url, ContentType: "image/png"}, nil
}

type fixture struct {
	store    *jobs.MemoryStore
	blobs    *storage.Memory
	notifier *fakeNotifier
	billing  *fakeBilling
	orch     *Orchestrator
}

func newFixture(t *testing.T, gen Generator, disp Dispatcher, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:    jobs.NewMemoryStore(),
		blobs:    storage.NewMemory(""),
		notifier: &fakeNotifier{},
		billing:  &fakeBilling{},
	}
	if gen == nil {
		gen = stubGenerator{blobs: f.blobs}
	}
	f.orch = New(Deps{
		Store:      f.store,
		Generator:  gen,
		Blobs:      f.blobs,
		Billing:    f.billing,
		Dispatcher: disp,
		Notifier:   f.notifier,
	}, opts)
	return f
}

func invoiceTable(n int, mutate func(i int, row map[string]any)) *ingest.Table {
	table := &ingest.Table{Headers: []string{"Invoice Number", "Amount", ingest.ColumnSupplierName}}
	for i := 0; i < n; i++ {
		row := map[string]any{
			"Invoice Number":          fmt.Sprintf("INV-%03d", i+1),
			"Amount":                  "10.00",
			ingest.ColumnSupplierName: []string{"Acme", "ACME", "Globex"}[i%3],
		}
		if mutate != nil {
			mutate(i, row)
		}
		table.Rows = append(table.Rows, row)
	}
	return table
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestSubmit_StandardLayoutRunsLocally(t *testing.T) {
	blobs := storage.NewMemory("")
	renderer := render.NewRenderer(render.NewLoader(blobs, nil), nil)
	gen := render.NewGenerator(renderer, blobs, nil, nil)

	f := newFixture(t, gen, nil, Options{})
	f.blobs = blobs
	f.orch.blobs = blobs

	table := invoiceTable(120, func(i int, row map[string]any) {
		if i == 7 || i == 64 || i == 119 {
			row["Amount"] = ""
		}
	})
	job, err := f.orch.Submit(context.Background(), SubmitRequest{EntityID: 4, Table: table, NotifyEmail: "ops@example.test"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != jobs.StatusCompleted || job.BatchCount != 3 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.ProcessedRows != 120 || job.SuccessCount != 117 || job.FailureCount != 3 {
		t.Fatalf("counters = %d/%d/%d", job.ProcessedRows, job.SuccessCount, job.FailureCount)
	}
	if job.ResultKey != ResultKey(4, job.ID) {
		t.Fatalf("result key = %q", job.ResultKey)
	}

	archive, err := blobs.Download(context.Background(), job.ResultKey)
	if err != nil {
		t.Fatalf("download archive: %v", err)
	}
	names := zipNames(t, archive)
	if len(names) != 117 || names[0] != "row-00001.pdf" || names[len(names)-1] != "row-00119.pdf" {
		t.Fatalf("archive entries: %d, first %q", len(names), names[0])
	}

	log, _ := f.store.Errors(context.Background(), job.ID)
	if len(log) != 3 || log[0].RowIndex != 7 || !strings.Contains(log[0].Message, "Amount") {
		t.Fatalf("error log = %+v", log)
	}

	if len(f.notifier.progress) != 3 || len(f.notifier.completed) != 1 {
		t.Fatalf("notifications: %d progress, %d completed", len(f.notifier.progress), len(f.notifier.completed))
	}
	notice := f.notifier.completed[0]
	if notice.ErrorCode != errcode.RowsFailed || notice.Email != "ops@example.test" || notice.SuccessCount != 117 {
		t.Fatalf("completion notice = %+v", notice)
	}
	if len(f.billing.suppliers) != 2 || len(f.billing.invoices) != 117 {
		t.Fatalf("billing: %d suppliers, %d invoices", len(f.billing.suppliers), len(f.billing.invoices))
	}

	status, err := f.orch.Status(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Progress != 100 || status.ResultURL == "" {
		t.Fatalf("status = %+v", status)
	}
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, nil, nil, Options{})
	ctx := context.Background()

	table := &ingest.Table{Headers: []string{"invoice number"}, Rows: []map[string]any{{"invoice number": "x"}}}
	_, err := f.orch.Submit(ctx, SubmitRequest{EntityID: 1, Table: table})
	var missing *MissingColumnsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingColumnsError, got %v", err)
	}
	if strings.Join(missing.Columns, ",") != "Invoice Number,Amount" {
		t.Fatalf("missing columns = %v", missing.Columns)
	}

	empty := &ingest.Table{Headers: []string{"Invoice Number", "Amount"}}
	if _, err := f.orch.Submit(ctx, SubmitRequest{EntityID: 1, Table: empty}); !errors.Is(err, ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}

	if _, err := f.store.Get(ctx, 1); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatal("validation failures must not create a job")
	}
}

type docTemplates map[uint]*layout.Document

func (d docTemplates) LoadDocument(_ context.Context, _ uint, id uint) (*layout.Document, error) {
	doc, ok := d[id]
	if !ok {
		return nil, errors.New("template not found")
	}
	return doc, nil
}

func TestSubmit_DuplicateLabelsRejected(t *testing.T) {
	f := newFixture(t, nil, nil, Options{})
	f.orch.templates = docTemplates{9: {
		ID:   9,
		Type: layout.SourceImage,
		Fields: []layout.Field{
			{ID: "a", Type: layout.FieldText, Label: "Name", Geometry: layout.Geometry{Width: 10, Height: 10, Unit: layout.UnitPercent}},
			{ID: "b", Type: layout.FieldText, Label: " name", Geometry: layout.Geometry{Width: 10, Height: 10, Unit: layout.UnitPercent}},
		},
	}}
	_, err := f.orch.Submit(context.Background(), SubmitRequest{EntityID: 1, TemplateID: 9, Table: invoiceTable(1, nil)})
	var dup *layout.DuplicateLabelsError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateLabelsError, got %v", err)
	}
}

func TestSubmit_DispatchFallback(t *testing.T) {
	disp := &fakeDispatcher{err: errors.New("redis: connection refused")}

	f := newFixture(t, nil, disp, Options{BatchSize: 10, LocalFallback: true})
	job, err := f.orch.Submit(context.Background(), SubmitRequest{EntityID: 1, Table: invoiceTable(25, nil)})
	if err != nil {
		t.Fatalf("Submit with fallback: %v", err)
	}
	if job.Status != jobs.StatusCompleted || job.ProcessedRows != 25 || job.BatchCount != 3 {
		t.Fatalf("fallback job = %+v", job)
	}

	strict := newFixture(t, nil, disp, Options{BatchSize: 10})
	if _, err := strict.orch.Submit(context.Background(), SubmitRequest{EntityID: 1, Table: invoiceTable(25, nil)}); !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	failed, err := strict.store.Get(context.Background(), 1)
	if err != nil || failed.Status != jobs.StatusFailed {
		t.Fatalf("undispatchable job = %+v, %v", failed, err)
	}
}

// failAfter accepts the first n batches and rejects the rest.
type failAfter struct {
	fakeDispatcher
	n int
}

func (d *failAfter) Dispatch(ctx context.Context, b Batch) error {
	d.mu.Lock()
	full := len(d.batches) >= d.n
	d.mu.Unlock()
	if full {
		return errors.New("redis: connection refused")
	}
	return d.fakeDispatcher.Dispatch(ctx, b)
}

func TestSubmit_PartialDispatchDropsQueuedBatches(t *testing.T) {
	disp := &failAfter{n: 1}
	f := newFixture(t, nil, disp, Options{BatchSize: 10})
	ctx := context.Background()

	if _, err := f.orch.Submit(ctx, SubmitRequest{EntityID: 1, Table: invoiceTable(25, nil)}); !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	if len(disp.batches) != 1 {
		t.Fatalf("queued %d batches", len(disp.batches))
	}

	out, err := f.orch.ProcessBatch(ctx, disp.batches[0])
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if !out.Abandoned || out.Succeeded != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	job, _ := f.store.Get(ctx, disp.batches[0].JobID)
	if job.Status != jobs.StatusFailed || job.ProcessedRows != 0 {
		t.Fatalf("job = %+v", job)
	}
	docs, _ := f.store.Documents(ctx, job.ID)
	if len(docs) != 0 || len(f.billing.invoices) != 0 {
		t.Fatalf("dropped batch left records: %d documents, %d invoices", len(docs), len(f.billing.invoices))
	}
}

func TestProcessBatch_ConcurrentDeliveriesFinalizeOnce(t *testing.T) {
	disp := &fakeDispatcher{}
	f := newFixture(t, nil, disp, Options{})
	ctx := context.Background()

	table := invoiceTable(120, func(i int, row map[string]any) {
		switch i {
		case 3:
			row["fail"] = true
		case 77:
			row["panic"] = true
		}
	})
	job, err := f.orch.Submit(ctx, SubmitRequest{EntityID: 2, Table: table})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != jobs.StatusPending || len(disp.batches) != 3 {
		t.Fatalf("expected 3 queued batches, got %d (%s)", len(disp.batches), job.Status)
	}
	sizes := []int{len(disp.batches[0].Rows), len(disp.batches[1].Rows), len(disp.batches[2].Rows)}
	if sizes[0] != 50 || sizes[1] != 50 || sizes[2] != 20 || disp.batches[2].StartRow != 100 {
		t.Fatalf("batch sizes = %v", sizes)
	}

	// Every batch is delivered twice, in reverse order, all at once.
	deliveries := append(append([]Batch{}, disp.batches...), disp.batches...)
	var wg sync.WaitGroup
	for i := len(deliveries) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(b Batch) {
			defer wg.Done()
			if _, err := f.orch.ProcessBatch(ctx, b); err != nil {
				t.Errorf("ProcessBatch %d: %v", b.BatchIndex, err)
			}
		}(deliveries[i])
	}
	wg.Wait()

	got, _ := f.store.Get(ctx, job.ID)
	if got.ProcessedRows != 120 || got.SuccessCount != 118 || got.FailureCount != 2 {
		t.Fatalf("counters = %d/%d/%d", got.ProcessedRows, got.SuccessCount, got.FailureCount)
	}
	if got.SuccessCount+got.FailureCount != got.ProcessedRows {
		t.Fatal("success + failure must equal processed")
	}
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if len(f.notifier.completed) != 1 {
		t.Fatalf("finalized %d times", len(f.notifier.completed))
	}

	log, _ := f.store.Errors(ctx, job.ID)
	if len(log) != 2 || log[1].RowIndex != 77 || !strings.Contains(log[1].Message, "panicked") {
		t.Fatalf("error log = %+v", log)
	}

	archive, _ := f.blobs.Download(ctx, got.ResultKey)
	if n := len(zipNames(t, archive)); n != 118 {
		t.Fatalf("archive holds %d documents", n)
	}
	docs, _ := f.store.Documents(ctx, job.ID)
	if len(docs) != 118 || len(f.billing.invoices) != 118 {
		t.Fatalf("redelivery duplicated records: %d documents, %d invoices", len(docs), len(f.billing.invoices))
	}
}

func TestProcessBatch_RedeliveryKeepsOneRecordPerRowInDatabase(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := jobs.NewGormStore(db)
	blobs := storage.NewMemory("")
	svc := billing.NewService(db)
	disp := &fakeDispatcher{}
	orch := New(Deps{
		Store:      store,
		Generator:  stubGenerator{blobs: blobs},
		Blobs:      blobs,
		Billing:    svc,
		Dispatcher: disp,
	}, Options{})
	ctx := context.Background()

	job, err := orch.Submit(ctx, SubmitRequest{EntityID: 1, Table: invoiceTable(120, nil)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deliveries := append(append([]Batch{}, disp.batches...), disp.batches...)
	var wg sync.WaitGroup
	for _, b := range deliveries {
		wg.Add(1)
		go func(b Batch) {
			defer wg.Done()
			if _, err := orch.ProcessBatch(ctx, b); err != nil {
				t.Errorf("ProcessBatch %d: %v", b.BatchIndex, err)
			}
		}(b)
	}
	wg.Wait()

	got, _ := store.Get(ctx, job.ID)
	if got.ProcessedRows != 120 || got.SuccessCount != 120 {
		t.Fatalf("counters = %d/%d", got.ProcessedRows, got.SuccessCount)
	}
	invoices, err := svc.Invoices(ctx, job.ID)
	if err != nil {
		t.Fatalf("invoices: %v", err)
	}
	docs, err := store.Documents(ctx, job.ID)
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	if len(invoices) != 120 || len(docs) != 120 {
		t.Fatalf("expected 120 invoices and documents, got %d and %d", len(invoices), len(docs))
	}
}

type failingUploads struct {
	*storage.Memory
	prefix string
}

func (f failingUploads) Upload(ctx context.Context, key string, data []byte, opts storage.UploadOptions) (string, error) {
	if strings.HasPrefix(key, f.prefix) {
		return "", errors.New("bucket unavailable")
	}
	return f.Memory.Upload(ctx, key, data, opts)
}

func TestFinalize_ArchiveFailureStillLeavesProcessing(t *testing.T) {
	f := newFixture(t, nil, nil, Options{})
	f.orch.blobs = failingUploads{Memory: f.blobs, prefix: "bulk-results/"}

	job, err := f.orch.Submit(context.Background(), SubmitRequest{EntityID: 1, Table: invoiceTable(3, nil)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != jobs.StatusCompleted || job.ResultKey != "" {
		t.Fatalf("job = %+v", job)
	}
	if len(f.notifier.completed) != 1 || f.notifier.completed[0].ErrorCode != errcode.ResultMissing {
		t.Fatalf("completion = %+v", f.notifier.completed)
	}
	status, _ := f.orch.Status(context.Background(), job.ID)
	if status.ResultURL != "" {
		t.Fatalf("no result url expected, got %q", status.ResultURL)
	}
}

func TestFinalize_AllRowsFailed(t *testing.T) {
	f := newFixture(t, nil, nil, Options{})
	job, err := f.orch.Submit(context.Background(), SubmitRequest{
		EntityID: 1,
		Table:    invoiceTable(4, func(_ int, row map[string]any) { row["fail"] = true }),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != jobs.StatusFailed || job.FailureCount != 4 || job.ResultKey != "" {
		t.Fatalf("job = %+v", job)
	}
	if len(f.notifier.completed) != 1 || f.notifier.completed[0].ErrorCode != errcode.AllRowsFailed {
		t.Fatalf("completion = %+v", f.notifier.completed)
	}
}

func TestProgress(t *testing.T) {
	cases := []struct{ processed, total, want int }{
		{0, 0, 0},
		{0, 120, 0},
		{50, 120, 42},
		{1, 200, 1},
		{120, 120, 100},
	}
	for _, c := range cases {
		if got := Progress(c.processed, c.total); got != c.want {
			t.Errorf("Progress(%d, %d) = %d, want %d", c.processed, c.total, got, c.want)
		}
	}
}

// flakyComplete fails Complete while fail is set, leaving a claimed job in
// processing the way a crashed finalizer would.
type flakyComplete struct {
	jobs.Store
	fail bool
}

func (s *flakyComplete) Complete(ctx context.Context, jobID uint, status jobs.Status, resultKey string) error {
	if s.fail {
		return errors.New("connection lost")
	}
	return s.Store.Complete(ctx, jobID, status, resultKey)
}

func TestRecover_FinalizesStuckJob(t *testing.T) {
	f := newFixture(t, nil, nil, Options{BatchSize: 2})
	flaky := &flakyComplete{Store: f.store, fail: true}
	f.orch.store = flaky

	job, err := f.orch.Submit(context.Background(), SubmitRequest{EntityID: 1, Table: invoiceTable(3, nil)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != jobs.StatusProcessing || job.ProcessedRows != 3 || job.FinalizedAt == nil {
		t.Fatalf("expected a claimed job stuck in processing, got %+v", job)
	}

	flaky.fail = false
	ran, err := f.orch.Recover(context.Background(), job.ID)
	if err != nil || !ran {
		t.Fatalf("Recover = %v, %v", ran, err)
	}
	got, _ := f.store.Get(context.Background(), job.ID)
	if got.Status != jobs.StatusCompleted || got.ResultKey == "" {
		t.Fatalf("job after recover = %+v", got)
	}

	if ran, err := f.orch.Recover(context.Background(), job.ID); err != nil || ran {
		t.Fatalf("second Recover = %v, %v", ran, err)
	}
}

func TestRecover_RefusesIncompleteJob(t *testing.T) {
	f := newFixture(t, nil, &fakeDispatcher{}, Options{BatchSize: 2})
	job, err := f.orch.Submit(context.Background(), SubmitRequest{EntityID: 1, Table: invoiceTable(3, nil)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.orch.Recover(context.Background(), job.ID); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("err = %v, want ErrIncomplete", err)
	}
}
