package shared

import "fmt"

// EditLockKey builds redis keys for documents held open by an editor.
func EditLockKey(entity string, id int64) string {
	return fmt.Sprintf("cartera:edit:%s:%d:lock", entity, id)
}
