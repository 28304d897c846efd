// Package progress defines the typed progress events emitted by transfer jobs
// and the per-job bus that delivers them to subscribers.
package progress

import (
	"encoding/json"
	"fmt"
)

// Type identifies the variant of an Event.
type Type string

// Event variants. The set is closed.
const (
	TypeStage            Type = "stage"
	TypeRepoTagResolved  Type = "repo-tag-resolved"
	TypeManifestResolved Type = "manifest-resolved"
	TypeItemStart        Type = "item-start"
	TypeItemProgress     Type = "item-progress"
	TypeItemDone         Type = "item-done"
	TypeItemSkip         Type = "item-skip"
	TypeItemError        Type = "item-error"
	TypeErrorSummary     Type = "error-summary"
	TypeDone             Type = "done"
	TypeError            Type = "error"
)

// Stage names a coarse phase of a job.
type Stage string

// Stages emitted by pull, push and bundle jobs.
const (
	StageAuth            Stage = "auth"
	StageResolveManifest Stage = "resolve-manifest"
	StageTarWriting      Stage = "tar-writing"
	StageStoreResult     Stage = "store-result"
	StagePrepare         Stage = "prepare"
	StageHashing         Stage = "hashing"
	StageUploadConfig    Stage = "upload-config"
	StagePutManifest     Stage = "put-manifest"
	StageDownloadConfig  Stage = "download-config"
	StageParseLockfile   Stage = "parse-lockfile"
)

// DownloadLayerStage returns the stage name for pulling layer i.
func DownloadLayerStage(i int) Stage {
	return Stage(fmt.Sprintf("download-layer-%d", i))
}

// PushStartStage returns the stage announcing the push of one batch file.
func PushStartStage(file, repository, tag string) Stage {
	return Stage(fmt.Sprintf("push-start: %s -> %s:%s", file, repository, tag))
}

// DownloadStage returns the stage name for fetching bundle entry i.
func DownloadStage(i int) Stage {
	return Stage(fmt.Sprintf("download-%d", i))
}

// UploadLayerStage returns the stage name for uploading layer i.
func UploadLayerStage(i int) Stage {
	return Stage(fmt.Sprintf("upload-layer-%d", i))
}

// Item scopes distinguish per-blob events from per-image events in a batch.
const (
	ScopePushItem  = "push-item"
	ScopePushImage = "push-image"
)

// SkipReasonExists is the item-skip reason for blobs already present at the target.
const SkipReasonExists = "exists"

// Item locates an item event within a job.
type Item struct {
	Index        int
	Scope        string
	ManifestName string
}

// RepoTag is one resolved repository and tag pair.
type RepoTag struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// Outcome is one entry of an error-summary event.
type Outcome struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
	Error string `json:"error,omitempty"`
}

// Event is a single progress notification. Only the fields belonging to
// Type are meaningful; MarshalJSON emits exactly those.
type Event struct {
	Type Type

	Stage Stage

	Item     Item
	Digest   string
	Received int64
	// Total is nil when the size is unknown.
	Total  *int64
	Reason string

	ManifestName string
	Items        any

	Successes []Outcome
	Failures  []Outcome

	Filename string
	Message  string
}

// Terminal reports whether e ends a job's event stream.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// Size returns a Total value for n, or nil when n is negative (unknown).
func Size(n int64) *int64 {
	if n < 0 {
		return nil
	}
	return &n
}

// StageEvent reports entry into stage s.
func StageEvent(s Stage) Event {
	return Event{Type: TypeStage, Stage: s}
}

// RepoTagResolved reports the repository and tag chosen for each image of a batch.
func RepoTagResolved(items []RepoTag) Event {
	return Event{Type: TypeRepoTagResolved, Items: items}
}

// ManifestResolved reports the items a job is about to transfer.
func ManifestResolved(manifestName string, items any) Event {
	return Event{Type: TypeManifestResolved, ManifestName: manifestName, Items: items}
}

// ItemStart reports the start of an item transfer.
func ItemStart(it Item, digest string, total *int64) Event {
	return Event{Type: TypeItemStart, Item: it, Digest: digest, Total: total}
}

// ItemProgress reports the bytes received or sent so far for an item.
func ItemProgress(it Item, received int64, total *int64) Event {
	return Event{Type: TypeItemProgress, Item: it, Received: received, Total: total}
}

// ItemDone reports a completed item.
func ItemDone(it Item) Event {
	return Event{Type: TypeItemDone, Item: it}
}

// ItemSkip reports an item that needed no transfer.
func ItemSkip(it Item, reason string) Event {
	return Event{Type: TypeItemSkip, Item: it, Reason: reason}
}

// ItemError reports a failed item.
func ItemError(it Item, message string) Event {
	return Event{Type: TypeItemError, Item: it, Message: message}
}

// ErrorSummary reports the per-image outcome of a partially failed batch.
func ErrorSummary(successes, failures []Outcome) Event {
	if successes == nil {
		successes = []Outcome{}
	}
	if failures == nil {
		failures = []Outcome{}
	}
	return Event{Type: TypeErrorSummary, Successes: successes, Failures: failures}
}

// Done is the terminal success event.
func Done(filename string) Event {
	return Event{Type: TypeDone, Filename: filename}
}

// Error is the terminal failure event.
func Error(message string) Event {
	return Event{Type: TypeError, Message: message}
}

type itemFields struct {
	Type         Type   `json:"type"`
	Index        int    `json:"index"`
	Scope        string `json:"scope,omitempty"`
	ManifestName string `json:"manifestName,omitempty"`
}

func (e Event) item() itemFields {
	return itemFields{Type: e.Type, Index: e.Item.Index, Scope: e.Item.Scope, ManifestName: e.Item.ManifestName}
}

// MarshalJSON encodes e in its wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeStage:
		return json.Marshal(struct {
			Type  Type  `json:"type"`
			Stage Stage `json:"stage"`
		}{e.Type, e.Stage})
	case TypeRepoTagResolved:
		return json.Marshal(struct {
			Type  Type `json:"type"`
			Items any  `json:"items"`
		}{e.Type, nonNil(e.Items)})
	case TypeManifestResolved:
		return json.Marshal(struct {
			Type         Type   `json:"type"`
			ManifestName string `json:"manifestName,omitempty"`
			Items        any    `json:"items"`
		}{e.Type, e.ManifestName, nonNil(e.Items)})
	case TypeItemStart:
		return json.Marshal(struct {
			itemFields
			Digest string `json:"digest"`
			Total  *int64 `json:"total,omitempty"`
		}{e.item(), e.Digest, e.Total})
	case TypeItemProgress:
		return json.Marshal(struct {
			itemFields
			Received int64  `json:"received"`
			Total    *int64 `json:"total,omitempty"`
		}{e.item(), e.Received, e.Total})
	case TypeItemDone:
		return json.Marshal(e.item())
	case TypeItemSkip:
		return json.Marshal(struct {
			itemFields
			Reason string `json:"reason"`
		}{e.item(), e.Reason})
	case TypeItemError:
		return json.Marshal(struct {
			itemFields
			Message string `json:"message"`
		}{e.item(), e.Message})
	case TypeErrorSummary:
		return json.Marshal(struct {
			Type      Type      `json:"type"`
			Successes []Outcome `json:"successes"`
			Failures  []Outcome `json:"failures"`
		}{e.Type, e.Successes, e.Failures})
	case TypeDone:
		return json.Marshal(struct {
			Type     Type   `json:"type"`
			Filename string `json:"filename"`
		}{e.Type, e.Filename})
	case TypeError:
		return json.Marshal(struct {
			Type    Type   `json:"type"`
			Message string `json:"message"`
		}{e.Type, e.Message})
	default:
		return nil, fmt.Errorf("progress: unknown event type %q", e.Type)
	}
}

func nonNil(v any) any {
	if v == nil {
		return []any{}
	}
	return v
}
