package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"threadline/pkg/domain"
)

var (
	alice = domain.User{ID: "0b8f1c1e-0000-4000-8000-00000000000a", DisplayName: "Alice", Email: "alice@example.com"}
	bob   = domain.User{ID: "0b8f1c1e-0000-4000-8000-00000000000b", DisplayName: "Bob"}
	carol = domain.User{ID: "0b8f1c1e-0000-4000-8000-00000000000c", DisplayName: "Carol"}
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "threadline.db") + "?_busy_timeout=5000&_txlock=immediate"
	s, err := NewGormStore("", WithDialector(sqlite.Open(dsn)), WithLogLevel(gormlogger.Silent))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func directSend(from, to domain.User, title, body string, files ...StagedFile) SendInput {
	return SendInput{
		Sender:    from,
		Mode:      domain.ModeDirect,
		Recipient: domain.Participant{UserID: to.ID, DisplayName: to.DisplayName},
		Title:     title,
		Body:      body,
		Summary:   body,
		Files:     files,
	}
}

func stagedFile(name string, data []byte) StagedFile {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	id := newID()
	return StagedFile{
		BlobID:       id,
		ContentHash:  hash,
		StorageKey:   "attachments/" + hash[:2] + "/" + hash + "/" + id + "-" + name,
		OriginalName: name,
		MimeType:     "text/plain",
		SizeBytes:    int64(len(data)),
		Uploaded:     true,
	}
}

func TestSendDirectScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Send(ctx, directSend(alice, bob, "t", "hello"))
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected new conversation")
	}
	conv := first.Conversation
	if conv.Length != 1 || conv.LatestMessage != "hello" || conv.Read {
		t.Fatalf("unexpected new conversation: %+v", conv)
	}
	if conv.User1ID != alice.ID || conv.User2ID != bob.ID {
		t.Fatalf("unexpected slots: %q %q", conv.User1ID, conv.User2ID)
	}
	if first.Message.RecipientID != bob.ID {
		t.Fatalf("unexpected recipient: %q", first.Message.RecipientID)
	}

	second, err := s.Send(ctx, directSend(alice, bob, "t", "again"))
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if second.Created || second.Conversation.ID != conv.ID {
		t.Fatalf("expected same conversation, got created=%v id=%q", second.Created, second.Conversation.ID)
	}
	if second.Conversation.Length != 2 || second.Conversation.LatestMessage != "again" {
		t.Fatalf("unexpected summary after append: %+v", second.Conversation)
	}

	read, err := s.MarkRead(ctx, conv.ID, bob.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !read.Read {
		t.Fatalf("expected read=true")
	}

	res, err := s.DeleteConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.MessagesDeleted != 2 || len(res.PurgeKeys) != 0 {
		t.Fatalf("unexpected delete result: %+v", res)
	}
	if _, found, err := s.GetConversation(ctx, conv.ID); err != nil || found {
		t.Fatalf("expected conversation gone, found=%v err=%v", found, err)
	}
	msgs, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}

func TestSendDirectIgnoresPairOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Send(ctx, directSend(alice, bob, "t", "hi bob"))
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	reply, err := s.Send(ctx, directSend(bob, alice, "t", "hi alice"))
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Conversation.ID != first.Conversation.ID {
		t.Fatalf("reply opened a new conversation")
	}
	if reply.Message.RecipientID != alice.ID {
		t.Fatalf("unexpected recipient: %q", reply.Message.RecipientID)
	}
	other, err := s.Send(ctx, directSend(alice, bob, "other", "new title"))
	if err != nil {
		t.Fatalf("other title: %v", err)
	}
	if other.Conversation.ID == first.Conversation.ID {
		t.Fatalf("different title must resolve to a different conversation")
	}
}

func TestSendConcurrentFirstContactCreatesOneConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const senders = 4
	ids := make([]string, senders)
	errs := make([]error, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := alice, bob
			if i%2 == 1 {
				from, to = bob, alice
			}
			res, err := s.Send(ctx, directSend(from, to, "race", "ping"))
			ids[i], errs[i] = res.Conversation.ID, err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("send %d resolved to %q, want %q", i, ids[i], ids[0])
		}
	}
	var count int64
	if err := s.db.Model(&ConversationModel{}).Where("title = ?", "race").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one conversation row, got %d", count)
	}
	conv, _, err := s.GetConversation(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.Length != senders {
		t.Fatalf("expected length %d, got %d", senders, conv.Length)
	}
}

// insertRivalBeforeCreate registers a create hook that inserts rival(dest)
// on the same connection right before the first matching insert runs, so the
// insert under test loses the unique-key race.
func insertRivalBeforeCreate[T any](t *testing.T, s *GormStore, rival func(dest *T) *T) *bool {
	t.Helper()
	fired := false
	err := s.db.Callback().Create().Before("gorm:create").Register("test:rival_insert", func(db *gorm.DB) {
		dest, ok := db.Statement.Dest.(*T)
		if !ok || fired {
			return
		}
		fired = true
		if err := db.Session(&gorm.Session{NewDB: true}).Create(rival(dest)).Error; err != nil {
			db.AddError(fmt.Errorf("insert rival: %w", err))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
	return &fired
}

func TestSendFirstContactLosesInsertRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fired := insertRivalBeforeCreate(t, s, func(dest *ConversationModel) *ConversationModel {
		rival := *dest
		rival.ID = newID()
		return &rival
	})
	res, err := s.Send(ctx, directSend(alice, bob, "race", "ping"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !*fired {
		t.Fatalf("rival insert hook did not run")
	}
	if res.Created {
		t.Fatalf("send that lost the insert race must reuse the rival row")
	}
	if res.Conversation.Length != 2 {
		t.Fatalf("expected the rival row appended to, got length %d", res.Conversation.Length)
	}
	var count int64
	if err := s.db.Model(&ConversationModel{}).Where("title = ?", "race").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one conversation row, got %d", count)
	}
}

func TestAttachmentLosesDigestInsertRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := stagedFile("report.txt", []byte("contested"))
	rivalID := newID()
	fired := insertRivalBeforeCreate(t, s, func(dest *BlobModel) *BlobModel {
		rival := *dest
		rival.ID = rivalID
		rival.StorageKey = "attachments/rival/" + dest.ContentHash
		return &rival
	})
	res, err := s.Send(ctx, directSend(alice, bob, "t", "file", f))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !*fired {
		t.Fatalf("rival insert hook did not run")
	}
	if len(res.Attachments) != 1 || res.Attachments[0].BlobID != rivalID {
		t.Fatalf("expected link to the rival blob, got %+v", res.Attachments)
	}
	if res.Attachments[0].FileName != "report.txt" {
		t.Fatalf("unexpected display name %q", res.Attachments[0].FileName)
	}
	if len(res.OrphanKeys) != 1 || res.OrphanKeys[0] != f.StorageKey {
		t.Fatalf("expected the losing upload reported as orphan, got %v", res.OrphanKeys)
	}
	var blobs int64
	s.db.Model(&BlobModel{}).Where("content_hash = ?", f.ContentHash).Count(&blobs)
	if blobs != 1 {
		t.Fatalf("expected one blob row for the digest, got %d", blobs)
	}
}

func TestSendLargeGroupUsesFixedWidthKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	members := make([]domain.Participant, 0, 80)
	for i := 0; i < 80; i++ {
		members = append(members, domain.Participant{UserID: fmt.Sprintf("0b8f1c1e-0000-4000-8000-%012d", 1000+i)})
	}
	in := SendInput{Sender: alice, Mode: domain.ModeGroup, Participants: members, Title: "all hands", Body: "hi", Summary: "hi"}
	first, err := s.Send(ctx, in)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	reversed := make([]domain.Participant, len(members))
	for i, p := range members {
		reversed[len(members)-1-i] = p
	}
	in.Participants = reversed
	second, err := s.Send(ctx, in)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if second.Created || second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("member order must not change the conversation")
	}
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", first.Conversation.ID).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(model.ParticipantKey) != 64 {
		t.Fatalf("expected a 64-char participant key, got %d chars", len(model.ParticipantKey))
	}
	if got := len(second.Conversation.Participants); got != 81 {
		t.Fatalf("expected 81 members kept, got %d", got)
	}
}

func TestSendExplicitConversationID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Send(ctx, SendInput{Sender: alice, ConversationID: newID(), Body: "x", Summary: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	first, err := s.Send(ctx, directSend(alice, bob, "t", "hello"))
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	reply, err := s.Send(ctx, SendInput{Sender: bob, ConversationID: first.Conversation.ID, Body: "yo", Summary: "yo"})
	if err != nil {
		t.Fatalf("explicit send: %v", err)
	}
	if reply.Conversation.ID != first.Conversation.ID || reply.Message.RecipientID != alice.ID {
		t.Fatalf("unexpected explicit resolution: %+v", reply.Message)
	}
	if _, err := s.Send(ctx, SendInput{Sender: carol, ConversationID: first.Conversation.ID, Body: "hi", Summary: "hi"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for non-participant, got %v", err)
	}
}

func TestSendGroupNormalizesParticipants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := SendInput{
		Sender: alice,
		Mode:   domain.ModeGroup,
		Participants: []domain.Participant{
			{UserID: carol.ID, DisplayName: carol.DisplayName},
			{UserID: bob.ID, DisplayName: bob.DisplayName},
		},
		Title:   "plans",
		Body:    "lunch?",
		Summary: "lunch?",
	}
	first, err := s.Send(ctx, in)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if len(first.Conversation.Participants) != 3 {
		t.Fatalf("expected sender included, got %+v", first.Conversation.Participants)
	}
	if len(first.Conversation.ReadBy) != 1 || first.Conversation.ReadBy[0] != alice.ID {
		t.Fatalf("expected read_by=[sender], got %v", first.Conversation.ReadBy)
	}

	again := SendInput{
		Sender: carol,
		Mode:   domain.ModeGroup,
		Participants: []domain.Participant{
			{UserID: bob.ID},
			{UserID: alice.ID},
			{UserID: carol.ID},
		},
		Title:   "plans",
		Body:    "sure",
		Summary: "sure",
	}
	second, err := s.Send(ctx, again)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("participant order must not matter")
	}
	if second.Conversation.Length != 2 || len(second.Conversation.ReadBy) != 1 || second.Conversation.ReadBy[0] != carol.ID {
		t.Fatalf("unexpected state after append: %+v", second.Conversation)
	}
	if second.Message.RecipientID != "" {
		t.Fatalf("group messages carry no recipient")
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	direct, err := s.Send(ctx, directSend(alice, bob, "t", "hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	conv, err := s.MarkRead(ctx, direct.Conversation.ID, alice.ID)
	if err != nil {
		t.Fatalf("sender mark read: %v", err)
	}
	if conv.Read {
		t.Fatalf("sender must not mark own message read")
	}
	for i := 0; i < 3; i++ {
		conv, err = s.MarkRead(ctx, direct.Conversation.ID, bob.ID)
		if err != nil {
			t.Fatalf("mark read %d: %v", i, err)
		}
		if !conv.Read {
			t.Fatalf("expected read after call %d", i)
		}
	}
	if _, err := s.MarkRead(ctx, direct.Conversation.ID, carol.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := s.MarkRead(ctx, newID(), bob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	group, err := s.Send(ctx, SendInput{
		Sender:       alice,
		Mode:         domain.ModeGroup,
		Participants: []domain.Participant{{UserID: bob.ID}, {UserID: carol.ID}},
		Title:        "g",
		Body:         "hey",
		Summary:      "hey",
	})
	if err != nil {
		t.Fatalf("group send: %v", err)
	}
	for i := 0; i < 3; i++ {
		conv, err = s.MarkRead(ctx, group.Conversation.ID, bob.ID)
		if err != nil {
			t.Fatalf("group mark read %d: %v", i, err)
		}
	}
	if len(conv.ReadBy) != 2 {
		t.Fatalf("expected read_by of sender and bob, got %v", conv.ReadBy)
	}
	stored, _, err := s.GetConversation(ctx, group.Conversation.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.ReadBy) != 2 {
		t.Fatalf("stored read_by mismatch: %v", stored.ReadBy)
	}
}

func TestInboxAndSentProjection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Send(ctx, directSend(alice, bob, "t", "hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	assertListed := func(name string, list []domain.Conversation, want bool) {
		t.Helper()
		got := false
		for _, c := range list {
			if c.ID == first.Conversation.ID {
				got = true
			}
		}
		if got != want {
			t.Fatalf("%s: listed=%v, want %v", name, got, want)
		}
	}

	aliceInbox, _ := s.ListInbox(ctx, alice.ID, 0)
	aliceSent, _ := s.ListSent(ctx, alice.ID, 0)
	bobInbox, _ := s.ListInbox(ctx, bob.ID, 0)
	bobSent, _ := s.ListSent(ctx, bob.ID, 0)
	carolInbox, _ := s.ListInbox(ctx, carol.ID, 0)
	assertListed("alice inbox", aliceInbox, false)
	assertListed("alice sent", aliceSent, true)
	assertListed("bob inbox", bobInbox, true)
	assertListed("bob sent", bobSent, false)
	assertListed("carol inbox", carolInbox, false)

	if _, err := s.Send(ctx, directSend(alice, bob, "t", "follow up")); err != nil {
		t.Fatalf("second send: %v", err)
	}
	aliceInbox, _ = s.ListInbox(ctx, alice.ID, 0)
	aliceSent, _ = s.ListSent(ctx, alice.ID, 0)
	assertListed("alice inbox after reply", aliceInbox, true)
	assertListed("alice sent after reply", aliceSent, false)
}

func TestAttachmentDedupAcrossMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("same bytes")

	a := stagedFile("report.txt", data)
	first, err := s.Send(ctx, directSend(alice, bob, "t", "", a))
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	b := stagedFile("copy-of-report.txt", data)
	second, err := s.Send(ctx, directSend(carol, bob, "t", "", b))
	if err != nil {
		t.Fatalf("second send: %v", err)
	}

	if len(first.Attachments) != 1 || len(second.Attachments) != 1 {
		t.Fatalf("expected one attachment per message")
	}
	if first.Attachments[0].BlobID != second.Attachments[0].BlobID {
		t.Fatalf("identical bytes must share a blob")
	}
	if first.Attachments[0].FileName == second.Attachments[0].FileName {
		t.Fatalf("display names must stay per-link")
	}
	if len(second.OrphanKeys) != 1 || second.OrphanKeys[0] != b.StorageKey {
		t.Fatalf("expected losing upload reported as orphan, got %v", second.OrphanKeys)
	}

	var blobs, links int64
	s.db.Model(&BlobModel{}).Count(&blobs)
	s.db.Model(&MessageFileModel{}).Count(&links)
	if blobs != 1 || links != 2 {
		t.Fatalf("expected 1 blob and 2 links, got %d and %d", blobs, links)
	}
	refs, err := s.ReferenceCount(ctx, first.Attachments[0].BlobID)
	if err != nil || refs != 2 {
		t.Fatalf("expected reference count 2, got %d (%v)", refs, err)
	}
}

func TestDeleteCollectsOnlyUnsharedBlobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	shared := []byte("shared")
	solo := []byte("solo")
	doomed, err := s.Send(ctx, directSend(alice, bob, "doomed", "files", stagedFile("a.txt", shared), stagedFile("b.txt", solo)))
	if err != nil {
		t.Fatalf("send doomed: %v", err)
	}
	survivor, err := s.Send(ctx, directSend(alice, carol, "keep", "files", stagedFile("a.txt", shared)))
	if err != nil {
		t.Fatalf("send survivor: %v", err)
	}

	res, err := s.DeleteConversation(ctx, doomed.Conversation.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	soloKey := doomed.Attachments[1].StorageKey
	if len(res.PurgeKeys) != 1 || res.PurgeKeys[0] != soloKey {
		t.Fatalf("expected only the unshared object purged, got %v", res.PurgeKeys)
	}
	if _, found, _ := s.GetBlob(ctx, doomed.Attachments[1].BlobID); found {
		t.Fatalf("unshared blob row should be gone")
	}
	if _, found, _ := s.GetBlob(ctx, survivor.Attachments[0].BlobID); !found {
		t.Fatalf("shared blob row must survive")
	}
	msgs, err := s.ListMessages(ctx, survivor.Conversation.ID)
	if err != nil {
		t.Fatalf("list survivor messages: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Attachments) != 1 || msgs[0].Attachments[0].StorageKey == "" {
		t.Fatalf("survivor attachments damaged: %+v", msgs)
	}

	if _, err := s.DeleteConversation(ctx, doomed.Conversation.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSendRecreatesVanishedBlob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := stagedFile("late.txt", []byte("late"))
	f.Uploaded = false
	if _, err := s.Send(ctx, directSend(alice, bob, "t", "x", f)); !errors.Is(err, ErrStaleBlob) {
		t.Fatalf("expected stale blob without upload, got %v", err)
	}
	if conv, _ := s.ListSent(ctx, alice.ID, 0); len(conv) != 0 {
		t.Fatalf("failed send must roll back, got %d conversations", len(conv))
	}

	uploads := 0
	f.Upload = func(context.Context) error {
		uploads++
		return nil
	}
	res, err := s.Send(ctx, directSend(alice, bob, "t", "x", f))
	if err != nil {
		t.Fatalf("send with upload: %v", err)
	}
	if uploads != 1 || res.Attachments[0].StorageKey != f.StorageKey {
		t.Fatalf("expected one upload to the staged key, got %d", uploads)
	}

	g := stagedFile("broken.txt", []byte("broken"))
	g.Uploaded = false
	g.Upload = func(context.Context) error { return errors.New("bucket down") }
	if _, err := s.Send(ctx, directSend(alice, bob, "t", "y", g)); err == nil {
		t.Fatalf("expected upload failure")
	}
	conv, _, _ := s.GetConversation(ctx, res.Conversation.ID)
	if conv.Length != 1 {
		t.Fatalf("failed send must not bump length, got %d", conv.Length)
	}
}

func TestSweepUnreferencedBlobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orphan := BlobModel{ID: newID(), ContentHash: "deadbeef", StorageKey: "attachments/de/deadbeef/x", OriginalName: "x", CreatedAt: time.Now()}
	if err := s.db.Create(&orphan).Error; err != nil {
		t.Fatalf("seed orphan: %v", err)
	}
	linked, err := s.Send(ctx, directSend(alice, bob, "t", "x", stagedFile("keep.txt", []byte("keep"))))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	keys, err := s.SweepUnreferencedBlobs(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(keys) != 1 || keys[0] != orphan.StorageKey {
		t.Fatalf("unexpected sweep keys: %v", keys)
	}
	if _, found, _ := s.GetBlob(ctx, linked.Attachments[0].BlobID); !found {
		t.Fatalf("linked blob must survive the sweep")
	}
	if _, deleted, err := s.DeleteBlobIfUnreferenced(ctx, linked.Attachments[0].BlobID); err != nil || deleted {
		t.Fatalf("referenced blob deleted=%v err=%v", deleted, err)
	}
}

func TestSendMirrorsUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	noEmail := alice
	noEmail.Email = ""
	if _, err := s.Send(ctx, directSend(noEmail, bob, "t", "hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	u, found, err := s.GetUser(ctx, alice.ID)
	if err != nil || !found {
		t.Fatalf("sender not mirrored: %v", err)
	}
	if u.Email != "" {
		t.Fatalf("unexpected email %q", u.Email)
	}
	if _, err := s.Send(ctx, directSend(alice, bob, "t", "hi again")); err != nil {
		t.Fatalf("send: %v", err)
	}
	u, _, _ = s.GetUser(ctx, alice.ID)
	if u.Email != alice.Email {
		t.Fatalf("expected email filled, got %q", u.Email)
	}
	if r, found, _ := s.GetUser(ctx, bob.ID); !found || r.DisplayName != "Bob" {
		t.Fatalf("recipient not mirrored: %+v", r)
	}
}
