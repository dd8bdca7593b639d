package memstore

import "fmt"

func errNotFound(id string) error {
	return fmt.Errorf("not found: %s", id)
}
