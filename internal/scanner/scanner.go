// Package scanner discovers local group folders under the configured sync root.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/yunzuo/syncdesk/internal/types"
)

// 群目录命名约定：Q + 至少10位数字 + 下划线 + 群名称
var groupFolderPattern = regexp.MustCompile(`^(Q\d{10,})_(.+)$`)

// 标准子目录名称与对应的资源类型
const (
	WorksFolder    = "作品文件"
	ModelsFolder   = "模型文件"
	CustomerFolder = "客户文件"
)

// ErrRootUnreadable 根目录本身不可读（不存在或无权限）
type ErrRootUnreadable struct {
	Root string
	Err  error
}

func (e *ErrRootUnreadable) Error() string {
	return fmt.Sprintf("扫描根目录失败 %s: %v", e.Root, e.Err)
}

func (e *ErrRootUnreadable) Unwrap() error { return e.Err }

// ParseGroupFolder 解析群目录名称，不匹配时返回 ok=false
func ParseGroupFolder(name string) (code, groupName string, ok bool) {
	m := groupFolderPattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// FolderTypeDir 资源类型对应的本地目录名
func FolderTypeDir(folderType string) string {
	switch folderType {
	case "works":
		return WorksFolder
	case "models":
		return ModelsFolder
	case "customer":
		return CustomerFolder
	}
	return folderType
}

// ScanRoot walks the root directory and returns all group folders.
// The scan is stateless: two scans over an unchanged tree yield identical
// results, so callers can diff consecutive scans for change detection.
// Entries that do not match the naming convention are skipped silently;
// only an unreadable root is an error.
func ScanRoot(root string) ([]types.LocalGroup, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, &ErrRootUnreadable{Root: root, Err: err}
	}

	groups := make([]types.LocalGroup, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		code, name, ok := ParseGroupFolder(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(root, entry.Name())
		groups = append(groups, types.LocalGroup{
			GroupCode:   code,
			GroupName:   name,
			Path:        path,
			HasWorks:    dirExists(filepath.Join(path, WorksFolder)),
			HasModels:   dirExists(filepath.Join(path, ModelsFolder)),
			HasCustomer: dirExists(filepath.Join(path, CustomerFolder)),
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].GroupCode < groups[j].GroupCode
	})
	return groups, nil
}

// ListFiles 返回目录下的普通文件（不递归），目录不存在时返回空列表
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
