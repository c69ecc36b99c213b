package conversation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/and161185/convokeeper/internal/customdata"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/roster"
	"github.com/and161185/convokeeper/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour)
)

func env(version, build string) Environment {
	return Environment{
		ReleaseType: "ios",
		BundleID:    "com.example.app",
		AppVersion:  version,
		AppBuild:    build,
		OSName:      "iOS",
		OSVersion:   "17.0",
		Locale:      "en_US",
		UTCOffset:   3600,
	}
}

func TestNew_SeedsFromEnvironment(t *testing.T) {
	t.Parallel()
	c := New(env("1", "10"), t0)
	assert.Equal(t, "1", c.AppRelease.Version)
	assert.Equal(t, t0, c.AppRelease.VersionInstallTime)
	assert.Equal(t, "en", c.Device.LocaleLanguageCode)
	assert.Equal(t, "US", c.Device.LocaleCountryCode)
	assert.NotNil(t, c.RandomSeeds)
}

func TestMerge_VersionChangeResetsVersionCounts(t *testing.T) {
	t.Parallel()
	persisted := New(env("1", "10"), t0)
	persisted.CodePoints.Invoke("launch", t0)
	persisted.CodePoints.Invoke("launch", t0)
	persisted.Interactions.Invoke("survey", t0)

	fresh := New(env("2", "10"), t1)
	require.NoError(t, persisted.Merge(fresh))

	assert.Equal(t, "2", persisted.AppRelease.Version)
	assert.Equal(t, t1, persisted.AppRelease.VersionInstallTime)
	assert.Equal(t, t0, persisted.AppRelease.InstallTime)
	assert.Equal(t, t0, persisted.AppRelease.BuildInstallTime)

	launch := persisted.CodePoints.Get("launch")
	assert.Equal(t, 2, launch.TotalCount)
	assert.Equal(t, 0, launch.VersionCount)
	assert.Equal(t, 2, launch.BuildCount)
	assert.Equal(t, 0, persisted.Interactions.Get("survey").VersionCount)
}

func TestMerge_BuildChangeResetsBuildCounts(t *testing.T) {
	t.Parallel()
	persisted := New(env("1", "10"), t0)
	persisted.CodePoints.Invoke("launch", t0)

	fresh := New(env("1", "11"), t1)
	fresh.CodePoints.Invoke("launch", t1)
	require.NoError(t, persisted.Merge(fresh))

	launch := persisted.CodePoints.Get("launch")
	assert.Equal(t, 2, launch.TotalCount)
	assert.Equal(t, 2, launch.VersionCount)
	assert.Equal(t, 1, launch.BuildCount)
	require.NotNil(t, launch.LastInvoked)
	assert.Equal(t, t1, *launch.LastInvoked)
	assert.Equal(t, t1, persisted.AppRelease.BuildInstallTime)
}

func TestMerge_MetricsNeverDecrease(t *testing.T) {
	t.Parallel()
	persisted := New(env("1", "10"), t0)
	fresh := New(env("3", "30"), t1)
	for i := 0; i < 5; i++ {
		persisted.CodePoints.Invoke("a", t0)
	}
	fresh.CodePoints.Invoke("a", t1)
	fresh.CodePoints.Invoke("b", t1)
	fresh.Interactions.Answer("survey", Answer{ID: "q1", Value: "yes"})
	persisted.Interactions.Answer("survey", Answer{ID: "q0", Value: "no"})

	before := persisted.CodePoints.Get("a").TotalCount
	require.NoError(t, persisted.Merge(fresh))
	assert.GreaterOrEqual(t, persisted.CodePoints.Get("a").TotalCount, before)
	assert.Equal(t, 6, persisted.CodePoints.Get("a").TotalCount)
	assert.Equal(t, 1, persisted.CodePoints.Get("b").TotalCount)
	assert.Equal(t, []Answer{{ID: "q0", Value: "no"}, {ID: "q1", Value: "yes"}}, persisted.Interactions.Get("survey").Answers)
}

func TestMerge_CredentialConflict(t *testing.T) {
	t.Parallel()
	persisted := New(env("1", "1"), t0)
	persisted.AppCredentials = &AppCredentials{Key: "k", Signature: "s"}
	persisted.ConversationCredentials = &roster.Credentials{ID: "def456", Token: "abc"}
	snapshot := persisted.Clone()

	fresh := New(env("1", "1"), t1)
	fresh.AppCredentials = &AppCredentials{Key: "other", Signature: "s"}
	require.ErrorIs(t, persisted.Merge(fresh), errs.ErrConflict)
	assert.Equal(t, snapshot, persisted, "receiver must be unchanged")

	fresh.AppCredentials = &AppCredentials{Key: "k", Signature: "s"}
	fresh.ConversationCredentials = &roster.Credentials{ID: "zzz", Token: "abc"}
	require.ErrorIs(t, persisted.Merge(fresh), errs.ErrConflict)

	fresh.ConversationCredentials = nil
	require.NoError(t, persisted.Merge(fresh))
	assert.Equal(t, "def456", persisted.ConversationCredentials.ID)

	other := New(env("1", "1"), t0)
	require.NoError(t, other.Merge(persisted))
	assert.Equal(t, "k", other.AppCredentials.Key)
	assert.Equal(t, "abc", other.ConversationCredentials.Token)
}

func TestMerge_PersonDeviceLastWriteWins(t *testing.T) {
	t.Parallel()
	persisted := New(env("1", "1"), t0)
	persisted.Person = Person{Name: "Old", EmailAddress: "old@example.com", CustomData: customdata.Map{"a": "1", "keep": false}}
	persisted.Device.CustomData = customdata.Map{"d": 1.0}

	fresh := New(env("1", "1"), t1)
	fresh.Person = Person{Name: "New", CustomData: customdata.Map{"a": "2", "b": true}}
	fresh.Device.UTCOffset = 0

	require.NoError(t, persisted.Merge(fresh))
	assert.Equal(t, "New", persisted.Person.Name)
	assert.Equal(t, "old@example.com", persisted.Person.EmailAddress)
	assert.Equal(t, customdata.Map{"a": "2", "b": true, "keep": false}, persisted.Person.CustomData)
	assert.Equal(t, customdata.Map{"d": 1.0}, persisted.Device.CustomData)
	assert.Equal(t, 0, persisted.Device.UTCOffset)
}

func TestMerge_RandomSeedsPersistedWins(t *testing.T) {
	t.Parallel()
	persisted := New(env("1", "1"), t0)
	persisted.RandomSeeds["x"] = 0.25

	fresh := New(env("1", "1"), t1)
	fresh.RandomSeeds["x"] = 0.75
	fresh.RandomSeeds["y"] = 0.5

	require.NoError(t, persisted.Merge(fresh))
	assert.Equal(t, RandomSeeds{"x": 0.25, "y": 0.5}, persisted.RandomSeeds)
}

func TestSnapshot_SharesSeeds(t *testing.T) {
	t.Parallel()
	c := New(env("1", "1"), t0)
	c.CodePoints.Invoke("a", t0)
	snap := c.Snapshot()

	v := snap.RandomSeeds.Seed("targeting", func() float64 { return 0.42 })
	assert.Equal(t, 0.42, v)
	assert.Equal(t, 0.42, c.RandomSeeds["targeting"])
	assert.Equal(t, 0.42, c.RandomSeeds.Seed("targeting", func() float64 { return 0.99 }))

	snap.CodePoints.Invoke("a", t1)
	assert.Equal(t, 1, c.CodePoints.Get("a").TotalCount)
}

func TestAppCredentials_Validate(t *testing.T) {
	t.Parallel()
	require.NoError(t, AppCredentials{Key: "k", Signature: "s"}.Validate())
	require.Error(t, AppCredentials{Key: "k"}.Validate())
}

func TestCodec_UpgradesFormatOne(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	legacy := `{"id":"def456","token":"abc","app_release":{"version":"1"},"person":{"name":"P"},"device":{}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, store.FileName(Codec.Name, false)), []byte(legacy), 0o600))

	c, err := store.Load[Conversation](dir, Codec, nil)
	require.NoError(t, err)
	require.NotNil(t, c.ConversationCredentials)
	assert.Equal(t, roster.Credentials{ID: "def456", Token: "abc"}, *c.ConversationCredentials)
	assert.Equal(t, "P", c.Person.Name)

	require.NoError(t, store.NewSaver[Conversation](dir, Codec, nil).Save(c))
	again, err := store.Load[Conversation](dir, Codec, nil)
	require.NoError(t, err)
	assert.Equal(t, c, again)
}
