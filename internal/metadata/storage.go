// Package metadata stores the dispatcher's per-VM record in libvirt's
// custom XML metadata, so the record persists with the domain itself.
package metadata

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// MetadataNamespace is the XML namespace of the crucible element.
	MetadataNamespace = "http://crucible.jbweber.dev/dispatcher/v1"

	// MetadataKey is the element prefix used when storing the record.
	MetadataKey = "crucible"
)

// ErrNoDirectory is returned when a record carries no directory uuid.
var ErrNoDirectory = errors.New("record has no directory uuid")

// LibvirtClient defines the libvirt operations needed for metadata storage.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
type LibvirtClient interface {
	DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error)
}

// Record is what the dispatcher persists about a VM.
type Record struct {
	// Directory is the uuid of the VM directory the domain is registered in.
	Directory string `yaml:"directory"`
	// Home is the VM home path hint.
	Home string `yaml:"home,omitempty"`
	// Generation increments on every committed edit.
	Generation int64 `yaml:"generation"`
	// Config holds the dispatcher-level VM settings committed by edits.
	Config map[string]string `yaml:"config,omitempty"`
}

// DirUUID parses the directory uuid of the record.
func (r *Record) DirUUID() (uuid.UUID, error) {
	if r.Directory == "" {
		return uuid.Nil, ErrNoDirectory
	}
	id, err := uuid.Parse(r.Directory)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid directory uuid %q: %w", r.Directory, err)
	}
	return id, nil
}

// crucibleMetadata is the XML element stored in libvirt. The record is
// kept as YAML text for easy reading when inspecting the domain XML.
type crucibleMetadata struct {
	XMLName    xml.Name `xml:"metadata"`
	Xmlns      string   `xml:"xmlns,attr"`
	RecordYAML string   `xml:",innerxml"`
}

// Store saves the record to libvirt domain metadata, replacing any
// existing record.
func Store(l LibvirtClient, domain libvirt.Domain, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("failed to store metadata: nil record")
	}

	yamlData, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record to YAML: %w", err)
	}

	xmlData, err := xml.MarshalIndent(crucibleMetadata{
		Xmlns:      MetadataNamespace,
		RecordYAML: string(yamlData),
	}, "  ", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	err = l.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0), // flags: replace
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}

	return nil
}

// Load retrieves the record from libvirt domain metadata.
func Load(l LibvirtClient, domain libvirt.Domain) (*Record, error) {
	xmlStr, err := l.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}

	var metadata crucibleMetadata
	if err := xml.Unmarshal([]byte(xmlStr), &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}

	var rec Record
	if err := yaml.Unmarshal([]byte(metadata.RecordYAML), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record from YAML: %w", err)
	}

	return &rec, nil
}

// Update bumps the generation of rec and stores it.
func Update(l LibvirtClient, domain libvirt.Domain, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("failed to update metadata: nil record")
	}
	rec.Generation++
	return Store(l, domain, rec)
}

// Delete removes the record from a domain.
func Delete(l LibvirtClient, domain libvirt.Domain) error {
	// An empty value with flags=1 removes the element.
	err := l.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{""},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(1),
	)
	if err != nil {
		return fmt.Errorf("failed to delete libvirt domain metadata: %w", err)
	}

	return nil
}

// Exists reports whether a record is stored on the domain.
func Exists(l LibvirtClient, domain libvirt.Domain) bool {
	_, err := l.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	return err == nil
}
