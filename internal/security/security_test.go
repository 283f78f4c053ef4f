package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.toml")

	if err := WriteFileAtomic(path, []byte("first"), PermSecretFile); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second"), PermSecretFile); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("second")) {
		t.Errorf("content = %q, want %q", data, "second")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want 1 (temporary file left behind)", len(entries))
	}

	if runtime.GOOS != "windows" {
		info, _ := os.Stat(path)
		if info.Mode().Perm() != PermSecretFile {
			t.Errorf("mode = %04o, want %04o", info.Mode().Perm(), PermSecretFile)
		}
	}
}

func TestAtomicAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aborted")

	a, err := CreateAtomic(path, PermSecretFile)
	if err != nil {
		t.Fatal(err)
	}
	a.Write([]byte("partial"))
	a.Abort()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("target exists after abort: %v", err)
	}
}

func TestCheckPrivate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix permissions")
	}
	dir := t.TempDir()

	private := filepath.Join(dir, "private")
	os.WriteFile(private, []byte("x"), 0600)
	if err := CheckPrivate(private); err != nil {
		t.Errorf("CheckPrivate(0600) = %v", err)
	}

	shared := filepath.Join(dir, "shared")
	os.WriteFile(shared, []byte("x"), 0600)
	os.Chmod(shared, 0644)
	if err := CheckPrivate(shared); !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("CheckPrivate(0644) = %v, want ErrInsecurePermissions", err)
	}
}

func TestEnsurePrivateDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix permissions")
	}
	path := filepath.Join(t.TempDir(), "data")

	if err := EnsurePrivateDir(path); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != PermSecretDir {
		t.Errorf("mode = %04o, want %04o", info.Mode().Perm(), PermSecretDir)
	}

	shared := t.TempDir()
	os.Chmod(shared, 0755)
	if err := EnsurePrivateDir(shared); err != nil {
		t.Fatal(err)
	}
	info, _ = os.Stat(shared)
	if info.Mode().Perm() != 0755 {
		t.Errorf("existing directory mode changed to %04o", info.Mode().Perm())
	}

	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, nil, 0600)
	if err := EnsurePrivateDir(file); err == nil {
		t.Error("EnsurePrivateDir on a file succeeded")
	}
}

func TestLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")

	first, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if err := LockFile(first); err != nil {
		t.Fatalf("LockFile: %v", err)
	}

	second, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if err := LockFile(second); !errors.Is(err, ErrLocked) {
		t.Errorf("second LockFile = %v, want ErrLocked", err)
	}

	if err := UnlockFile(first); err != nil {
		t.Fatalf("UnlockFile: %v", err)
	}
	if err := LockFile(second); err != nil {
		t.Errorf("LockFile after unlock = %v", err)
	}
}

func TestWipe(t *testing.T) {
	key := []byte("derived key material")
	Wipe(key)
	for i, b := range key {
		if b != 0 {
			t.Fatalf("byte %d = %d after Wipe", i, b)
		}
	}
	Wipe(nil)
}
