package scanner

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseGroupFolder(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		code     string
		group    string
		ok       bool
	}{
		{"standard", "Q2025122001_张三", "Q2025122001", "张三", true},
		{"long code", "Q20251220011234_工作室", "Q20251220011234", "工作室", true},
		{"name with underscore", "Q2025122001_张三_设计", "Q2025122001", "张三_设计", true},
		{"code too short", "Q202512_张三", "", "", false},
		{"missing prefix", "2025122001_张三", "", "", false},
		{"missing name", "Q2025122001_", "", "", false},
		{"no separator", "Q2025122001", "", "", false},
		{"plain folder", "downloads", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, group, ok := ParseGroupFolder(tt.in)
			if code != tt.code || group != tt.group || ok != tt.ok {
				t.Errorf("ParseGroupFolder(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.in, code, group, ok, tt.code, tt.group, tt.ok)
			}
		})
	}
}

func TestScanRoot(t *testing.T) {
	root := t.TempDir()
	mkdir := func(parts ...string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Join(append([]string{root}, parts...)...), 0755); err != nil {
			t.Fatal(err)
		}
	}
	mkdir("Q2025122002_李四", WorksFolder)
	mkdir("Q2025122001_张三", WorksFolder)
	mkdir("Q2025122001_张三", ModelsFolder)
	mkdir("not_a_group")
	// 符合命名的普通文件要被跳过
	if err := os.WriteFile(filepath.Join(root, "Q2025122003_王五"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	groups, err := ScanRoot(root)
	if err != nil {
		t.Fatalf("ScanRoot: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2: %+v", len(groups), groups)
	}
	// 按群号排序，与目录遍历顺序无关
	if groups[0].GroupCode != "Q2025122001" || groups[1].GroupCode != "Q2025122002" {
		t.Errorf("groups not sorted by code: %+v", groups)
	}
	g := groups[0]
	if g.GroupName != "张三" || !g.HasWorks || !g.HasModels || g.HasCustomer {
		t.Errorf("group flags wrong: %+v", g)
	}

	// 同一目录树上的两次扫描结果一致
	again, err := ScanRoot(root)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(groups, again) {
		t.Error("consecutive scans over unchanged tree differ")
	}
}

func TestScanRootUnreadable(t *testing.T) {
	_, err := ScanRoot(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("expected error for missing root")
	}
	var rootErr *ErrRootUnreadable
	if !errors.As(err, &rootErr) {
		t.Errorf("error type = %T, want *ErrRootUnreadable", err)
	}
	if rootErr.Root == "" || rootErr.Unwrap() == nil {
		t.Errorf("error not populated: %+v", rootErr)
	}
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.psd"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	files, err := ListFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(files, []string{"a.psd", "b.png"}) {
		t.Errorf("ListFiles = %v", files)
	}

	// 目录不存在不是错误
	missing, err := ListFiles(filepath.Join(dir, "nope"))
	if err != nil || missing != nil {
		t.Errorf("ListFiles(missing) = %v, %v", missing, err)
	}
}

func TestFolderTypeDir(t *testing.T) {
	if FolderTypeDir("works") != WorksFolder {
		t.Error("works mapping wrong")
	}
	if FolderTypeDir("models") != ModelsFolder {
		t.Error("models mapping wrong")
	}
	if FolderTypeDir("customer") != CustomerFolder {
		t.Error("customer mapping wrong")
	}
}
