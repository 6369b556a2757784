package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSensitivePath(t *testing.T) {
	sensitive := []string{
		".git/config",
		".ssh/id_rsa",
		"keys/id_ed25519",
		"certs/server.pem",
		"certs/private.key",
		".npmrc",
		"config/.netrc",
		".env",
		".env.local",
		".env.production",
		".aws/credentials",
		"bundle.p12",
	}
	for _, p := range sensitive {
		assert.True(t, IsSensitivePath(p), "path %q", p)
	}

	safe := []string{
		"src/App.tsx",
		"package.json",
		".env.example",
		".env.sample",
		"docs/keys.md",
		"src/git/helpers.ts",
	}
	for _, p := range safe {
		assert.False(t, IsSensitivePath(p), "path %q", p)
	}
}

func TestSafeArchivePath(t *testing.T) {
	assert.True(t, SafeArchivePath("src/App.tsx"))
	assert.True(t, SafeArchivePath("a/b/c.txt"))

	assert.False(t, SafeArchivePath(""))
	assert.False(t, SafeArchivePath("/etc/passwd"))
	assert.False(t, SafeArchivePath("../escape.txt"))
	assert.False(t, SafeArchivePath("a/../../b.txt"))
	assert.False(t, SafeArchivePath(`a\b.txt`))
	assert.False(t, SafeArchivePath("a//b.txt"))
	assert.False(t, SafeArchivePath("a/\x00b.txt"))
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	driver := newFakeDriver()
	driver.files = map[string]string{
		"package.json":            `{"name":"app"}`,
		"src/App.tsx":             "export default App",
		".env":                    "SECRET=1",
		".ssh/id_rsa":             "private",
		"node_modules/react/x.js": "ephemeral",
	}

	var backup bytes.Buffer
	require.NoError(t, WriteBackup(ctx, driver, "c1", &backup))

	var restore bytes.Buffer
	restored, err := FilterRestoreArchive(&backup, &restore)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	got := map[string]string{}
	tr := tar.NewReader(&restore)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, tr)
		got[hdr.Name] = buf.String()
	}
	assert.Equal(t, map[string]string{
		"package.json": `{"name":"app"}`,
		"src/App.tsx":  "export default App",
	}, got)
}

func TestFilterRestoreArchive_RejectsHostileEntries(t *testing.T) {
	// Hand-build a hostile backup with traversal and sensitive entries.
	var raw bytes.Buffer
	writeGzipTar(t, &raw, map[string]string{
		"edward/../../etc/passwd": "root",
		"edward/.env":             "SECRET=1",
		"edward/src/ok.ts":        "fine",
		"/abs.txt":                "nope",
	})

	var restore bytes.Buffer
	restored, err := FilterRestoreArchive(&raw, &restore)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	tr := tar.NewReader(&restore)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "src/ok.ts", hdr.Name)
}

func TestFilterRestoreArchive_NormalizesForeignBases(t *testing.T) {
	// Archives made elsewhere may carry any base directory, or an
	// absolute one. Entries are re-rooted under the workspace either way.
	var raw bytes.Buffer
	writeGzipTar(t, &raw, map[string]string{
		"workspace/src/App.tsx": "export default App",
		"/backup/package.json":  `{"name":"app"}`,
		"notes.txt":             "no base dir",
	})

	var restore bytes.Buffer
	restored, err := FilterRestoreArchive(&raw, &restore)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	got := map[string]string{}
	tr := tar.NewReader(&restore)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, tr)
		got[hdr.Name] = buf.String()
	}
	assert.Equal(t, map[string]string{
		"src/App.tsx":  "export default App",
		"package.json": `{"name":"app"}`,
	}, got)
}

func writeGzipTar(t *testing.T, w io.Writer, files map[string]string) {
	t.Helper()
	gzw := gzip.NewWriter(w)
	tw := tar.NewWriter(gzw)
	for p, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: p, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
}
