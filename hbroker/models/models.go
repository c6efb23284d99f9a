package models

import (
	"time"
)

// BrokerType distinguishes brokers that generate surrogates locally from
// brokers that delegate to an external lookup API.
type BrokerType string

const (
	BrokerTypeLocal  BrokerType = "local"
	BrokerTypeRemote BrokerType = "remote"
)

// NamingScheme selects the strategy used to derive a surrogate value.
type NamingScheme string

const (
	SchemeSequential      NamingScheme = "sequential"
	SchemeHash            NamingScheme = "hash"
	SchemeAdjectiveAnimal NamingScheme = "adjective_animal"
	SchemeColorAnimal     NamingScheme = "color_animal"
	SchemeNATOPhonetic    NamingScheme = "nato_phonetic"
	SchemeScript          NamingScheme = "script"
)

// IDType classifies the identifier being mapped.
type IDType string

const (
	IDTypePatientID   IDType = "patient_id"
	IDTypePatientName IDType = "patient_name"
	IDTypeAccession   IDType = "accession"
	IDTypeSessionID   IDType = "session_id"
	IDTypeDateShift   IDType = "date_shift"
	IDTypeStudyUID    IDType = "study_uid"
	IDTypeSeriesUID   IDType = "series_uid"
	IDTypeInstanceUID IDType = "instance_uid"
)

// SurrogateIDTypes are the id types whose entries carry surrogates assigned
// by a naming scheme. Date shift assignments and UID audit records share the
// crosswalk table but do not advance the sequential counter.
var SurrogateIDTypes = []IDType{
	IDTypePatientID, IDTypePatientName, IDTypeAccession, IDTypeSessionID,
}

// IsSurrogate reports whether entries of this type count toward a broker's
// surrogate mapping sequence.
func (t IDType) IsSurrogate() bool {
	for _, s := range SurrogateIDTypes {
		if t == s {
			return true
		}
	}
	return false
}

// AuthStyle selects how credentials are encoded when posted to the STS.
// Deployed token services disagree on this, so it is per-broker config
// rather than a fixed wire format.
type AuthStyle string

const (
	AuthStyleJSON AuthStyle = "json"
	AuthStyleForm AuthStyle = "form"
)

// Broker is the configuration entity for one honest broker. Created and
// edited by administrators; referenced by name from routing destinations.
type Broker struct {
	Name    string     `json:"name"`
	Enabled bool       `json:"enabled"`
	Type    BrokerType `json:"type"`

	NamingScheme       NamingScheme `json:"naming_scheme"`
	PatientIDPrefix    string       `json:"patient_id_prefix"`
	PatientNamePrefix  string       `json:"patient_name_prefix"`
	ReplacePatientID   bool         `json:"replace_patient_id"`
	ReplacePatientName bool         `json:"replace_patient_name"`
	LookupScript       string       `json:"lookup_script,omitempty"`

	CacheEnabled    bool `json:"cache_enabled"`
	CacheTTLSeconds int  `json:"cache_ttl_seconds"`
	CacheMaxEntries int  `json:"cache_max_entries"`

	DateShiftEnabled bool `json:"date_shift_enabled"`
	DateShiftMinDays int  `json:"date_shift_min_days"`
	DateShiftMaxDays int  `json:"date_shift_max_days"`

	HashUIDsEnabled bool `json:"hash_uids_enabled"`

	// Remote broker connection parameters. Empty for local brokers.
	APIURL                string    `json:"api_url,omitempty"`
	STSURL                string    `json:"sts_url,omitempty"`
	ClientID              string    `json:"client_id,omitempty"`
	ClientSecret          string    `json:"-"`
	Username              string    `json:"username,omitempty"`
	Password              string    `json:"-"`
	AuthStyle             AuthStyle `json:"auth_style,omitempty"`
	RequestTimeoutSeconds int       `json:"request_timeout_seconds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Prefix returns the surrogate prefix appropriate to the id type.
func (b *Broker) Prefix(idType IDType) string {
	if idType == IDTypePatientName {
		return b.PatientNamePrefix
	}
	return b.PatientIDPrefix
}

// CrosswalkEntry is one original-to-surrogate mapping. Entries are created
// lazily on first lookup miss and are immutable after creation aside from
// updated_at touches.
type CrosswalkEntry struct {
	ID         uint      `json:"id"`
	BrokerName string    `json:"broker_name"`
	IDType     IDType    `json:"id_type"`
	IDIn       string    `json:"id_in"`
	IDOut      string    `json:"id_out"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BrokerSummary is the dashboard view of a broker.
type BrokerSummary struct {
	Name         string       `json:"name"`
	Enabled      bool         `json:"enabled"`
	Type         BrokerType   `json:"type"`
	NamingScheme NamingScheme `json:"naming_scheme"`
	MappingCount int          `json:"mapping_count"`
}
