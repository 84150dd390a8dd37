package bus

import "fmt"

var errClosed = fmt.Errorf("bus is closed")

func errDuplicate(name string) error {
	return fmt.Errorf("subscriber %s already registered", name)
}
