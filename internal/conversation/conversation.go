// Package conversation holds the mergeable per-identity aggregate of app release,
// person, device and engagement metrics.
package conversation

import (
	"fmt"
	"reflect"
	"time"

	"dario.cat/mergo"
	"github.com/and161185/convokeeper/internal/customdata"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/roster"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// AppCredentials identify the host application to the backend.
type AppCredentials struct {
	Key       string `json:"key" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// Validate checks that both parts are present.
func (a AppCredentials) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("app credentials: %w", err)
	}
	return nil
}

// AppRelease describes the running build of the host application.
type AppRelease struct {
	Type               string    `json:"type"`
	BundleID           string    `json:"bundle_id"`
	Version            string    `json:"version"`
	Build              string    `json:"build"`
	SDKVersion         string    `json:"sdk_version"`
	IsDebugBuild       bool      `json:"is_debug_build"`
	InstallTime        time.Time `json:"install_time"`
	VersionInstallTime time.Time `json:"version_install_time"`
	BuildInstallTime   time.Time `json:"build_install_time"`
}

// Person is the user-facing profile. Empty strings mean unset.
type Person struct {
	Name         string         `json:"name,omitempty"`
	EmailAddress string         `json:"email_address,omitempty"`
	MParticleID  string         `json:"mparticle_id,omitempty"`
	CustomData   customdata.Map `json:"custom_data,omitempty"`
}

// Clone returns a deep copy.
func (p Person) Clone() Person {
	p.CustomData = p.CustomData.Clone()
	return p
}

// Device describes the device the SDK runs on. Empty strings mean unset.
type Device struct {
	UUID                string            `json:"uuid,omitempty"`
	OSName              string            `json:"os_name,omitempty"`
	OSVersion           string            `json:"os_version,omitempty"`
	OSBuild             string            `json:"os_build,omitempty"`
	HardwareModel       string            `json:"hardware,omitempty"`
	Carrier             string            `json:"carrier,omitempty"`
	ContentSizeCategory string            `json:"content_size_category,omitempty"`
	LocaleRaw           string            `json:"locale_raw,omitempty"`
	LocaleLanguageCode  string            `json:"locale_language_code,omitempty"`
	LocaleCountryCode   string            `json:"locale_country_code,omitempty"`
	UTCOffset           int               `json:"utc_offset"`
	IntegrationConfig   map[string]string `json:"integration_config,omitempty"`
	CustomData          customdata.Map    `json:"custom_data,omitempty"`
}

// Clone returns a deep copy.
func (d Device) Clone() Device {
	d.CustomData = d.CustomData.Clone()
	if d.IntegrationConfig != nil {
		ic := make(map[string]string, len(d.IntegrationConfig))
		for k, v := range d.IntegrationConfig {
			ic[k] = v
		}
		d.IntegrationConfig = ic
	}
	return d
}

// Environment carries the live descriptive fields used to seed a fresh aggregate.
type Environment struct {
	ReleaseType         string
	BundleID            string
	AppVersion          string
	AppBuild            string
	SDKVersion          string
	IsDebugBuild        bool
	DeviceUUID          string
	OSName              string
	OSVersion           string
	OSBuild             string
	HardwareModel       string
	Carrier             string
	ContentSizeCategory string
	Locale              string // e.g. "en_US"
	UTCOffset           int    // seconds east of UTC
}

// Conversation is the aggregate persisted per identity.
type Conversation struct {
	AppCredentials          *AppCredentials     `json:"app_credentials,omitempty"`
	ConversationCredentials *roster.Credentials `json:"conversation_credentials,omitempty"`
	AppRelease              AppRelease          `json:"app_release"`
	Person                  Person              `json:"person"`
	Device                  Device              `json:"device"`
	CodePoints              Metrics             `json:"code_points,omitempty"`
	Interactions            Metrics             `json:"interactions,omitempty"`
	RandomSeeds             RandomSeeds         `json:"random_seeds,omitempty"`
}

// New builds a fresh aggregate from the live environment; every install time is now.
func New(env Environment, now time.Time) Conversation {
	c := Conversation{
		AppRelease: AppRelease{
			InstallTime:        now,
			VersionInstallTime: now,
			BuildInstallTime:   now,
		},
		RandomSeeds: RandomSeeds{},
	}
	c.ApplyEnvironment(env)
	return c
}

// ApplyEnvironment overwrites app release and device descriptors with live values.
// Install times, person data and custom data are kept.
func (c *Conversation) ApplyEnvironment(env Environment) {
	c.AppRelease.Type = env.ReleaseType
	c.AppRelease.BundleID = env.BundleID
	c.AppRelease.Version = env.AppVersion
	c.AppRelease.Build = env.AppBuild
	c.AppRelease.SDKVersion = env.SDKVersion
	c.AppRelease.IsDebugBuild = env.IsDebugBuild

	c.Device.UUID = env.DeviceUUID
	c.Device.OSName = env.OSName
	c.Device.OSVersion = env.OSVersion
	c.Device.OSBuild = env.OSBuild
	c.Device.HardwareModel = env.HardwareModel
	c.Device.Carrier = env.Carrier
	c.Device.ContentSizeCategory = env.ContentSizeCategory
	c.Device.LocaleRaw = env.Locale
	c.Device.LocaleLanguageCode, c.Device.LocaleCountryCode = splitLocale(env.Locale)
	c.Device.UTCOffset = env.UTCOffset
}

// Clone returns a deep copy. Random seeds are copied too.
func (c Conversation) Clone() Conversation {
	out := c
	if c.AppCredentials != nil {
		ac := *c.AppCredentials
		out.AppCredentials = &ac
	}
	if c.ConversationCredentials != nil {
		cc := *c.ConversationCredentials
		out.ConversationCredentials = &cc
	}
	out.Person = c.Person.Clone()
	out.Device = c.Device.Clone()
	out.CodePoints = c.CodePoints.Clone()
	out.Interactions = c.Interactions.Clone()
	if c.RandomSeeds != nil {
		out.RandomSeeds = make(RandomSeeds, len(c.RandomSeeds))
		out.RandomSeeds.Union(c.RandomSeeds)
	}
	return out
}

// Merge folds newer (the in-memory aggregate) into c (the persisted one).
// Credentials present on both sides must match; otherwise errs.ErrConflict is
// returned and c is left unchanged.
func (c *Conversation) Merge(newer Conversation) error {
	appCreds, err := mergeAppCredentials(c.AppCredentials, newer.AppCredentials)
	if err != nil {
		return err
	}
	convCreds, err := mergeConversationCredentials(c.ConversationCredentials, newer.ConversationCredentials)
	if err != nil {
		return err
	}

	person := c.Person.Clone()
	if err := mergePerson(&person, newer.Person.Clone()); err != nil {
		return fmt.Errorf("merge person: %w", err)
	}
	device := c.Device.Clone()
	if err := mergeDevice(&device, newer.Device.Clone()); err != nil {
		return fmt.Errorf("merge device: %w", err)
	}

	codePoints, interactions := c.CodePoints.Clone(), c.Interactions.Clone()
	release, versionChanged, buildChanged := c.AppRelease.merge(newer.AppRelease)
	if versionChanged {
		codePoints.ResetVersion()
		interactions.ResetVersion()
	}
	if buildChanged {
		codePoints.ResetBuild()
		interactions.ResetBuild()
	}

	seeds := c.RandomSeeds
	if seeds == nil {
		seeds = RandomSeeds{}
	}
	seeds.Union(newer.RandomSeeds)

	c.AppCredentials = appCreds
	c.ConversationCredentials = convCreds
	c.AppRelease = release
	c.Person = person
	c.Device = device
	c.CodePoints = codePoints.Merge(newer.CodePoints)
	c.Interactions = interactions.Merge(newer.Interactions)
	c.RandomSeeds = seeds
	return nil
}

// Snapshot is the read-only view handed to the targeting evaluator.
// RandomSeeds is shared with the aggregate so that seeds drawn during
// evaluation persist.
type Snapshot struct {
	AppRelease   AppRelease
	Person       Person
	Device       Device
	CodePoints   Metrics
	Interactions Metrics
	RandomSeeds  RandomSeeds
}

// Snapshot copies the aggregate for evaluation.
func (c *Conversation) Snapshot() Snapshot {
	if c.RandomSeeds == nil {
		c.RandomSeeds = RandomSeeds{}
	}
	return Snapshot{
		AppRelease:   c.AppRelease,
		Person:       c.Person.Clone(),
		Device:       c.Device.Clone(),
		CodePoints:   c.CodePoints.Clone(),
		Interactions: c.Interactions.Clone(),
		RandomSeeds:  c.RandomSeeds,
	}
}

// merge adopts newer descriptors and reports whether version or build changed.
func (a AppRelease) merge(newer AppRelease) (AppRelease, bool, bool) {
	out := a
	versionChanged := newer.Version != "" && newer.Version != a.Version
	buildChanged := newer.Build != "" && newer.Build != a.Build

	if newer.Type != "" {
		out.Type = newer.Type
	}
	if newer.BundleID != "" {
		out.BundleID = newer.BundleID
	}
	if newer.SDKVersion != "" {
		out.SDKVersion = newer.SDKVersion
	}
	out.IsDebugBuild = newer.IsDebugBuild
	out.InstallTime = earliest(a.InstallTime, newer.InstallTime)

	if versionChanged {
		out.Version = newer.Version
		out.VersionInstallTime = newer.VersionInstallTime
	} else {
		out.VersionInstallTime = earliest(a.VersionInstallTime, newer.VersionInstallTime)
	}
	if buildChanged {
		out.Build = newer.Build
		out.BuildInstallTime = newer.BuildInstallTime
	} else {
		out.BuildInstallTime = earliest(a.BuildInstallTime, newer.BuildInstallTime)
	}
	return out, versionChanged, buildChanged
}

// customDataTransformer merges custom data key by key instead of replacing the map.
type customDataTransformer struct{}

var customDataType = reflect.TypeOf(customdata.Map{})

func (customDataTransformer) Transformer(t reflect.Type) func(dst, src reflect.Value) error {
	if t != customDataType {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if src.IsNil() {
			return nil
		}
		merged := dst.Interface().(customdata.Map).Clone()
		merged.Merge(src.Interface().(customdata.Map))
		dst.Set(reflect.ValueOf(merged))
		return nil
	}
}

func mergePerson(dst *Person, src Person) error {
	if dst.CustomData == nil {
		dst.CustomData = customdata.Map{}
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride, mergo.WithTransformers(customDataTransformer{})); err != nil {
		return err
	}
	if dst.CustomData.Len() == 0 {
		dst.CustomData = nil
	}
	return nil
}

func mergeDevice(dst *Device, src Device) error {
	if dst.CustomData == nil {
		dst.CustomData = customdata.Map{}
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride, mergo.WithTransformers(customDataTransformer{})); err != nil {
		return err
	}
	if dst.CustomData.Len() == 0 {
		dst.CustomData = nil
	}
	// zero is a valid offset
	dst.UTCOffset = src.UTCOffset
	return nil
}

func mergeAppCredentials(persisted, newer *AppCredentials) (*AppCredentials, error) {
	switch {
	case persisted == nil && newer == nil:
		return nil, nil
	case persisted == nil:
		v := *newer
		return &v, nil
	case newer == nil || *newer == *persisted:
		v := *persisted
		return &v, nil
	}
	return nil, fmt.Errorf("app credentials differ: %w", errs.ErrConflict)
}

// mergeConversationCredentials matches by id; a refreshed token on the same id is adopted.
func mergeConversationCredentials(persisted, newer *roster.Credentials) (*roster.Credentials, error) {
	switch {
	case persisted == nil && newer == nil:
		return nil, nil
	case persisted == nil:
		v := *newer
		return &v, nil
	case newer == nil:
		v := *persisted
		return &v, nil
	case newer.ID != persisted.ID:
		return nil, fmt.Errorf("conversation credentials differ: %w", errs.ErrConflict)
	}
	v := *persisted
	if newer.Token != "" {
		v.Token = newer.Token
	}
	return &v, nil
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero() || a.Before(b):
		return a
	}
	return b
}

func splitLocale(raw string) (lang, country string) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '_' || raw[i] == '-' {
			return raw[:i], raw[i+1:]
		}
	}
	return raw, ""
}
