// Package policy defines the boundary with the remote policy service that
// evaluates DLP rules. The daemon never interprets rules itself: it ships file
// metadata and a destination to the service and acts on the verdict.
package policy

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse marks a response from the policy service that could
// not be decoded or referenced values outside the protocol.
var ErrMalformedResponse = errors.New("policy: malformed response")

// RestrictionLevel is the verdict for a single file against a destination.
type RestrictionLevel int

const (
	LevelUnspecified RestrictionLevel = iota
	LevelAllow
	LevelReport
	LevelWarnProceed
	LevelWarnCancel
	LevelBlock
)

var levelNames = map[RestrictionLevel]string{
	LevelUnspecified: "UNSPECIFIED",
	LevelAllow:       "ALLOW",
	LevelReport:      "REPORT",
	LevelWarnProceed: "WARN_PROCEED",
	LevelWarnCancel:  "WARN_CANCEL",
	LevelBlock:       "BLOCK",
}

func (l RestrictionLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("RestrictionLevel(%d)", int(l))
}

// Final reports whether the level can be reused without asking the service
// again. UNSPECIFIED and WARN_CANCEL always require a fresh check.
func (l RestrictionLevel) Final() bool {
	return l != LevelUnspecified && l != LevelWarnCancel
}

// Denies reports whether the level forbids the transfer.
func (l RestrictionLevel) Denies() bool {
	return l == LevelBlock || l == LevelWarnCancel
}

func (l RestrictionLevel) MarshalText() ([]byte, error) {
	name, ok := levelNames[l]
	if !ok {
		return nil, fmt.Errorf("unknown restriction level %d", int(l))
	}
	return []byte(name), nil
}

func (l *RestrictionLevel) UnmarshalText(text []byte) error {
	for level, name := range levelNames {
		if name == string(text) {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("unknown restriction level %q", text)
}

// Component is a well-known destination inside the OS rather than a URL.
type Component int

const (
	ComponentUnknown Component = iota
	ComponentSystem
	ComponentArc
	ComponentCrostini
	ComponentPluginVM
	ComponentUSB
	ComponentDrive
	ComponentOneDrive
)

var componentNames = map[Component]string{
	ComponentUnknown:  "UNKNOWN",
	ComponentSystem:   "SYSTEM",
	ComponentArc:      "ARC",
	ComponentCrostini: "CROSTINI",
	ComponentPluginVM: "PLUGIN_VM",
	ComponentUSB:      "USB",
	ComponentDrive:    "DRIVE",
	ComponentOneDrive: "ONEDRIVE",
}

func (c Component) String() string {
	if name, ok := componentNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Component(%d)", int(c))
}

func (c Component) MarshalText() ([]byte, error) {
	name, ok := componentNames[c]
	if !ok {
		return nil, fmt.Errorf("unknown component %d", int(c))
	}
	return []byte(name), nil
}

func (c *Component) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = ComponentUnknown
		return nil
	}
	for comp, name := range componentNames {
		if name == string(text) {
			*c = comp
			return nil
		}
	}
	return fmt.Errorf("unknown component %q", text)
}

// FileAction is the user action that triggered a transfer check.
type FileAction string

const (
	ActionTransfer FileAction = "TRANSFER"
	ActionCopy     FileAction = "COPY"
	ActionMove     FileAction = "MOVE"
	ActionOpen     FileAction = "OPEN"
	ActionShare    FileAction = "SHARE"
)

// FileMetadata describes one DLP-relevant file to the policy service.
type FileMetadata struct {
	Inode       uint64 `json:"inode"`
	Crtime      int64  `json:"crtime"`
	Path        string `json:"path"`
	SourceURL   string `json:"source_url"`
	ReferrerURL string `json:"referrer_url,omitempty"`
}

// TransferRequest asks whether the files may move to a destination.
type TransferRequest struct {
	Files                []FileMetadata `json:"files"`
	DestinationURL       string         `json:"destination_url,omitempty"`
	DestinationComponent Component      `json:"destination_component"`
	Action               FileAction     `json:"action,omitempty"`
	PID                  int32          `json:"pid,omitempty"`
}

// FileRestriction pairs a file with its verdict.
type FileRestriction struct {
	File  FileMetadata     `json:"file"`
	Level RestrictionLevel `json:"level"`
}

// TransferResponse holds one verdict per requested file.
type TransferResponse struct {
	Restrictions []FileRestriction `json:"restrictions"`
}
