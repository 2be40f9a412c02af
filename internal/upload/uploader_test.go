package upload

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/changesets"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/edits"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type uploadedElement struct {
	changesetID int64
	editID      int64
}

type fakeRemote struct {
	mu             sync.Mutex
	nextChangeset  int64
	opened         []int64
	closed         []int64
	elements       []uploadedElement
	notes          []edits.NoteEdit
	activated      map[int64][]string
	elementErrors  map[int64][]error
	noteErrors     map[int64]error
	idUpdates      map[int64][]edits.ElementIDUpdate
	remoteNoteIDs  map[int64]int64
	blockUploads   chan struct{}
	uploadsStarted chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		nextChangeset: 100,
		activated:     map[int64][]string{},
		elementErrors: map[int64][]error{},
		noteErrors:    map[int64]error{},
		idUpdates:     map[int64][]edits.ElementIDUpdate{},
		remoteNoteIDs: map[int64]int64{},
	}
}

func (r *fakeRemote) OpenChangeset(_ context.Context, _, _ string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextChangeset++
	r.opened = append(r.opened, r.nextChangeset)
	return r.nextChangeset, nil
}

func (r *fakeRemote) CloseChangeset(_ context.Context, changesetID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, changesetID)
	return nil
}

func (r *fakeRemote) UploadElementEdit(_ context.Context, changesetID int64, edit edits.ElementEdit) ([]edits.ElementIDUpdate, error) {
	if r.uploadsStarted != nil {
		r.uploadsStarted <- struct{}{}
		<-r.blockUploads
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if queued := r.elementErrors[edit.ID]; len(queued) > 0 {
		r.elementErrors[edit.ID] = queued[1:]
		if queued[0] != nil {
			return nil, queued[0]
		}
	}
	r.elements = append(r.elements, uploadedElement{changesetID: changesetID, editID: edit.ID})
	return r.idUpdates[edit.ID], nil
}

func (r *fakeRemote) UploadNoteEdit(_ context.Context, edit edits.NoteEdit) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.noteErrors[edit.ID]; err != nil {
		return 0, err
	}
	r.notes = append(r.notes, edit)
	if remoteID, ok := r.remoteNoteIDs[edit.ID]; ok {
		return remoteID, nil
	}
	return edit.NoteID, nil
}

func (r *fakeRemote) ActivateAttachments(_ context.Context, noteID int64, attachmentPaths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activated[noteID] = attachmentPaths
	return nil
}

type uploadFixture struct {
	clock    *testClock
	elements *edits.ElementEditController
	notes    *edits.NoteEditController
	registry *changesets.Registry
	remote   *fakeRemote
	uploader *Uploader
}

func newUploadFixture(t *testing.T) *uploadFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "upload.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&edits.ElementEditRecord{}, &edits.NoteEditRecord{}, &changesets.OpenChangesetRecord{}))

	clock := &testClock{now: time.Date(2024, time.March, 3, 12, 0, 0, 0, time.UTC)}
	elementStore, err := edits.NewElementEditStore(db)
	require.NoError(t, err)
	noteStore, err := edits.NewNoteEditStore(db)
	require.NoError(t, err)
	elementController, err := edits.NewElementEditController(edits.ElementEditControllerConfig{Store: elementStore, Clock: clock.Now})
	require.NoError(t, err)
	noteController, err := edits.NewNoteEditController(edits.NoteEditControllerConfig{Store: noteStore, Clock: clock.Now})
	require.NoError(t, err)
	registry, err := changesets.NewRegistry(changesets.RegistryConfig{Database: db, Clock: clock.Now})
	require.NoError(t, err)

	remote := newFakeRemote()
	uploader, err := NewUploader(UploaderConfig{
		Elements:        elementController,
		Notes:           noteController,
		Changesets:      registry,
		Remote:          remote,
		ChangesetMaxAge: 20 * time.Minute,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	return &uploadFixture{
		clock:    clock,
		elements: elementController,
		notes:    noteController,
		registry: registry,
		remote:   remote,
		uploader: uploader,
	}
}

func (f *uploadFixture) addElementEdit(t *testing.T, elementID int64, questType string) edits.ElementEdit {
	t.Helper()
	edit, err := f.elements.Add(context.Background(), edits.NewElementEdit{
		Element:   edits.ElementKey{Type: edits.ElementTypeNode, ID: elementID},
		QuestType: questType,
		Source:    "survey",
		Position:  geo.LatLon{Latitude: 52.5, Longitude: 13.4},
		Action:    edits.ActionUpdateTags,
		Payload:   []byte(`{"add":{"amenity":"bench"}}`),
	})
	require.NoError(t, err)
	return edit
}

type runRecorder struct {
	started  int
	finished []error
}

func (r *runRecorder) OnUploadStarted() {
	r.started++
}

func (r *runRecorder) OnUploadFinished(_ Result, err error) {
	r.finished = append(r.finished, err)
}

func TestUploadReusesChangesetWithinMaxAge(t *testing.T) {
	fixture := newUploadFixture(t)
	ctx := context.Background()
	recorder := &runRecorder{}
	fixture.uploader.AddListener(recorder)

	first := fixture.addElementEdit(t, 1, "AddBench")
	second := fixture.addElementEdit(t, 2, "AddBench")
	other := fixture.addElementEdit(t, 3, "AddRoadName")

	result, err := fixture.uploader.Upload(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, result.ElementsUploaded)
	require.Equal(t, []int64{101, 102}, fixture.remote.opened)
	require.Equal(t, []uploadedElement{
		{changesetID: 101, editID: first.ID},
		{changesetID: 101, editID: second.ID},
		{changesetID: 102, editID: other.ID},
	}, fixture.remote.elements)
	require.Equal(t, 1, recorder.started)
	require.Equal(t, []error{nil}, recorder.finished)
	require.False(t, fixture.uploader.IsUploadInProgress())

	count, err := fixture.elements.GetUnsyncedCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	fixture.clock.Advance(10 * time.Minute)
	fourth := fixture.addElementEdit(t, 4, "AddBench")
	_, err = fixture.uploader.Upload(ctx)
	require.NoError(t, err)
	require.Equal(t, uploadedElement{changesetID: 101, editID: fourth.ID}, fixture.remote.elements[3])
	require.Len(t, fixture.remote.opened, 2)
}

func TestUploadOpensNewChangesetAfterMaxAge(t *testing.T) {
	fixture := newUploadFixture(t)
	ctx := context.Background()

	fixture.addElementEdit(t, 1, "AddBench")
	_, err := fixture.uploader.Upload(ctx)
	require.NoError(t, err)

	fixture.clock.Advance(21 * time.Minute)
	fixture.addElementEdit(t, 2, "AddBench")
	_, err = fixture.uploader.Upload(ctx)
	require.NoError(t, err)

	require.Equal(t, []int64{101, 102}, fixture.remote.opened)
	require.Equal(t, []int64{101}, fixture.remote.closed)
	key, err := changesets.NewKey("AddBench", "survey")
	require.NoError(t, err)
	open, found, err := fixture.registry.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(102), open.ChangesetID)
}

func TestUploadRetriesOnceWhenChangesetClosed(t *testing.T) {
	fixture := newUploadFixture(t)
	ctx := context.Background()
	edit := fixture.addElementEdit(t, 1, "AddBench")
	fixture.remote.elementErrors[edit.ID] = []error{ErrChangesetClosed}

	result, err := fixture.uploader.Upload(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.ElementsUploaded)
	require.Equal(t, []int64{101, 102}, fixture.remote.opened)
	require.Equal(t, []uploadedElement{{changesetID: 102, editID: edit.ID}}, fixture.remote.elements)
}

func TestUploadDiscardsConflictingEdits(t *testing.T) {
	fixture := newUploadFixture(t)
	ctx := context.Background()
	rejected := fixture.addElementEdit(t, 1, "AddBench")
	accepted := fixture.addElementEdit(t, 2, "AddBench")
	fixture.remote.elementErrors[rejected.ID] = []error{ErrConflict}

	result, err := fixture.uploader.Upload(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.ElementsDiscarded)
	require.Equal(t, 1, result.ElementsUploaded)

	_, found, err := fixture.elements.Get(ctx, rejected.ID)
	require.NoError(t, err)
	require.False(t, found)
	stored, found, err := fixture.elements.Get(ctx, accepted.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, stored.IsSynced)
}

func TestUploadStopsOnRemoteFailure(t *testing.T) {
	fixture := newUploadFixture(t)
	ctx := context.Background()
	recorder := &runRecorder{}
	fixture.uploader.AddListener(recorder)
	failing := fixture.addElementEdit(t, 1, "AddBench")
	fixture.addElementEdit(t, 2, "AddBench")
	outage := errors.New("remote unavailable")
	fixture.remote.elementErrors[failing.ID] = []error{outage}

	_, err := fixture.uploader.Upload(ctx)
	require.ErrorIs(t, err, outage)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "upload.elements.remote_failed", serviceErr.Code())
	require.Len(t, recorder.finished, 1)
	require.ErrorIs(t, recorder.finished[0], outage)

	count, err := fixture.elements.GetUnsyncedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	result, err := fixture.uploader.Upload(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.ElementsUploaded)
}

func TestUploadRemapsCreatedElements(t *testing.T) {
	fixture := newUploadFixture(t)
	ctx := context.Background()
	created, err := fixture.elements.Add(ctx, edits.NewElementEdit{
		Element:   edits.ElementKey{Type: edits.ElementTypeNode, ID: -1},
		QuestType: "AddBench",
		Source:    "survey",
		Action:    edits.ActionCreateNode,
	})
	require.NoError(t, err)
	followUp := fixture.addElementEdit(t, -1, "AddBench")
	fixture.remote.idUpdates[created.ID] = []edits.ElementIDUpdate{{Type: edits.ElementTypeNode, OldID: -1, NewID: 9000}}

	_, err = fixture.uploader.Upload(ctx)
	require.NoError(t, err)

	stored, found, err := fixture.elements.Get(ctx, followUp.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(9000), stored.Element.ID)
}

func TestUploadSyncsNotesAndActivatesAttachments(t *testing.T) {
	fixture := newUploadFixture(t)
	ctx := context.Background()
	created, err := fixture.notes.Add(ctx, edits.NewNoteEdit{
		Action:          edits.NoteActionCreate,
		Position:        geo.LatLon{Latitude: 52.5, Longitude: 13.4},
		Text:            "Bench is broken",
		AttachmentPaths: []string{"/tmp/bench.jpg"},
	})
	require.NoError(t, err)
	comment, err := fixture.notes.Add(ctx, edits.NewNoteEdit{
		NoteID:   created.NoteID,
		Action:   edits.NoteActionComment,
		Position: created.Position,
		Text:     "Still broken",
	})
	require.NoError(t, err)
	rejected, err := fixture.notes.Add(ctx, edits.NewNoteEdit{
		NoteID:   77,
		Action:   edits.NoteActionComment,
		Position: created.Position,
		Text:     "Closed already?",
	})
	require.NoError(t, err)
	fixture.remote.remoteNoteIDs[created.ID] = 5555
	fixture.remote.noteErrors[rejected.ID] = ErrConflict

	result, err := fixture.uploader.Upload(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.NotesUploaded)
	require.Equal(t, 1, result.NotesDiscarded)
	require.Equal(t, 1, result.AttachmentsActivated)

	require.Len(t, fixture.remote.notes, 2)
	require.Equal(t, comment.ID, fixture.remote.notes[1].ID)
	require.Equal(t, int64(5555), fixture.remote.notes[1].NoteID)
	require.Equal(t, []string{"/tmp/bench.jpg"}, fixture.remote.activated[5555])

	_, found, err := fixture.notes.GetOldestNeedingAttachmentActivation(ctx)
	require.NoError(t, err)
	require.False(t, found)
	_, found, err = fixture.notes.Get(ctx, rejected.ID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestUploadIsSingleFlight(t *testing.T) {
	fixture := newUploadFixture(t)
	ctx := context.Background()
	fixture.addElementEdit(t, 1, "AddBench")
	fixture.remote.blockUploads = make(chan struct{})
	fixture.remote.uploadsStarted = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := fixture.uploader.Upload(ctx)
		done <- err
	}()
	<-fixture.remote.uploadsStarted

	require.True(t, fixture.uploader.IsUploadInProgress())
	_, err := fixture.uploader.Upload(ctx)
	require.ErrorIs(t, err, ErrUploadInProgress)

	close(fixture.remote.blockUploads)
	require.NoError(t, <-done)
	require.False(t, fixture.uploader.IsUploadInProgress())
}

func TestUploadHonorsCanceledContext(t *testing.T) {
	fixture := newUploadFixture(t)
	fixture.addElementEdit(t, 1, "AddBench")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fixture.uploader.Upload(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, fixture.remote.elements)
}

func TestNewUploaderRequiresDependencies(t *testing.T) {
	_, err := NewUploader(UploaderConfig{})
	require.Error(t, err)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "upload.uploader.new.missing_dependency", serviceErr.Code())
}
