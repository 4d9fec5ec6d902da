package relay

import (
	"encoding/json"
	"time"
)

// Envelope types on the wire.
const (
	TypeRequest = "request"
	TypeReply   = "reply"
	TypePush    = "push"
)

// envelope is one newline-delimited JSON frame. Fields not used by a given
// type are omitted.
type envelope struct {
	Type   string          `json:"type"`
	ID     uint64          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Push is an unsolicited message from the relay process.
type Push struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Class selects the default deadline of a request.
type Class int

const (
	ClassDefault Class = iota
	ClassLong
)

const (
	DefaultTimeout = 30 * time.Second
	LongTimeout    = 30 * time.Minute
)

// Kind enumerates the operations the relay understands.
type Kind int

const (
	KindCustom Kind = iota
	KindPing
	KindGetStatus
	KindListModels
	KindInstallPackages
	KindDownloadModel
	KindUploadArtifact
	KindCancelJob
)

var kindNames = map[Kind]string{
	KindPing:            "ping",
	KindGetStatus:       "get_status",
	KindListModels:      "list_models",
	KindInstallPackages: "install_packages",
	KindDownloadModel:   "download_model",
	KindUploadArtifact:  "upload_artifact",
	KindCancelJob:       "cancel_job",
}

// Name is the wire operation name; empty for KindCustom.
func (k Kind) Name() string { return kindNames[k] }

// Class reports the timeout class of k. Bulk transfers and heavyweight
// installs get the long class.
func (k Kind) Class() Class {
	switch k {
	case KindInstallPackages, KindDownloadModel, KindUploadArtifact:
		return ClassLong
	default:
		return ClassDefault
	}
}

// KindOf maps a wire name back to its Kind, KindCustom when unknown.
func KindOf(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindCustom
}

// DefaultLongOperations are the names that select ClassLong for custom requests.
func DefaultLongOperations() []string {
	return []string{
		KindInstallPackages.Name(),
		KindDownloadModel.Name(),
		KindUploadArtifact.Name(),
	}
}

// Request is a typed relay call. Use the constructors or Custom.
type Request struct {
	Kind Kind
	Args any
	name string
}

func Ping() Request               { return Request{Kind: KindPing} }
func GetStatus(args any) Request  { return Request{Kind: KindGetStatus, Args: args} }
func ListModels(args any) Request { return Request{Kind: KindListModels, Args: args} }
func InstallPackages(pkgs ...string) Request {
	return Request{Kind: KindInstallPackages, Args: map[string]any{"packages": pkgs}}
}

type DownloadModelArgs struct {
	Model       string `json:"model"`
	Destination string `json:"destination,omitempty"`
	Revision    string `json:"revision,omitempty"`
}

func DownloadModel(args DownloadModelArgs) Request {
	return Request{Kind: KindDownloadModel, Args: args}
}

type UploadArtifactArgs struct {
	Path   string `json:"path"`
	Target string `json:"target"`
}

func UploadArtifact(args UploadArtifactArgs) Request {
	return Request{Kind: KindUploadArtifact, Args: args}
}

func CancelJob(jobID string) Request {
	return Request{Kind: KindCancelJob, Args: map[string]string{"job_id": jobID}}
}

// Custom builds a request for an operation without a Kind. A name that matches
// a known kind is promoted to it.
func Custom(name string, args any) Request {
	if k := KindOf(name); k != KindCustom {
		return Request{Kind: k, Args: args}
	}
	return Request{Kind: KindCustom, Args: args, name: name}
}

// Name returns the wire operation name.
func (r Request) Name() string {
	if r.Kind == KindCustom {
		return r.name
	}
	return r.Kind.Name()
}

type sendOptions struct {
	timeout time.Duration
}

type SendOption func(*sendOptions)

// WithTimeout overrides the class-derived deadline for one call.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}
