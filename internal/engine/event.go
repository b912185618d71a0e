package engine

import (
	"os"

	"github.com/google/uuid"

	"github.com/roach88/dlpd/internal/fanotify"
	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/policy"
	"github.com/roach88/dlpd/internal/store"
)

// EventType tags an Event. Each asynchronous step (store callback, remote
// verdict, lifeline closure) comes back into the loop as its own event type
// carrying the request context it belongs to.
type EventType int

const (
	EventFileOpened EventType = iota + 1
	EventOpenEntry
	EventOpenVerdict
	EventFileDeleted
	EventSetPolicy
	EventRegister
	EventRegistered
	EventAccess
	EventAccessEntries
	EventTransferVerdict
	EventProvenance
	EventProvenanceEntries
	EventLifelineClosed
	EventStoreInit
	EventWalked
	EventMigrated
	EventCleanedUp
	EventTrackedFiles
	EventStatus
)

var eventTypeNames = map[EventType]string{
	EventFileOpened:        "file_opened",
	EventOpenEntry:         "open_entry",
	EventOpenVerdict:       "open_verdict",
	EventFileDeleted:       "file_deleted",
	EventSetPolicy:         "set_policy",
	EventRegister:          "register",
	EventRegistered:        "registered",
	EventAccess:            "access",
	EventAccessEntries:     "access_entries",
	EventTransferVerdict:   "transfer_verdict",
	EventProvenance:        "provenance",
	EventProvenanceEntries: "provenance_entries",
	EventLifelineClosed:    "lifeline_closed",
	EventStoreInit:         "store_init",
	EventWalked:            "walked",
	EventMigrated:          "migrated",
	EventCleanedUp:         "cleaned_up",
	EventTrackedFiles:      "tracked_files",
	EventStatus:            "status",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event is one unit of work for the Run loop. Exactly one context pointer
// is set, matching Type; Result carries the outcome of the step that
// produced the event.
type Event struct {
	Type EventType

	Open     *openContext
	Access   *accessContext
	Query    *provenanceContext
	Policy   *policyContext
	Register *registerContext
	Status   chan<- Status

	Inode   uint64
	GrantID uuid.UUID
	Walk    walkPurpose

	Result result
}

// result is the payload of a completed asynchronous step.
type result struct {
	entries         map[fileid.ID]store.FileEntry
	restricted      bool
	response        policy.TransferResponse
	listing         fileid.Listing
	migrationNeeded bool
	deleted         int64
	ignoreCrtime    bool
	err             error
}

type walkPurpose int

const (
	walkStartup walkPurpose = iota + 1
	walkActivation
)

// openContext follows one held kernel open through lookup and remote check.
type openContext struct {
	req   fanotify.OpenRequest
	path  string
	entry store.FileEntry
}

// accessContext follows a RequestAccess or CheckTransfer call.
type accessContext struct {
	transfer bool

	paths       []string
	pid         int32
	destination string
	component   policy.Component
	action      policy.FileAction
	lifeline    *os.File

	// Filled in as the request advances.
	files      []trackedFile
	restricted []string
	checked    policy.TransferRequest

	reply chan accessReply
}

type trackedFile struct {
	path  string
	id    fileid.ID
	entry store.FileEntry
}

type accessReply struct {
	allowed    bool
	grantID    uuid.UUID
	restricted []string
	err        error
}

// provenanceContext follows a GetProvenance call. The inode and path
// lookups are issued together; the reply goes out when both are back.
type provenanceContext struct {
	inodes []fileid.ID
	files  []trackedFile

	byInode     map[fileid.ID]store.FileEntry
	byPath      map[fileid.ID]store.FileEntry
	outstanding int

	reply chan provenanceReply
}

type provenanceReply struct {
	records []Provenance
	err     error
}

type policyContext struct {
	rules []byte
	reply chan error
}

type registerContext struct {
	entries []store.FileEntry
	paths   []string
	reply   chan error
}
