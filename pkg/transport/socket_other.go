//go:build !linux && !darwin && !windows

package transport

// applySockOpts на остальных платформах оставляет настройки ОС
func applySockOpts(_ uintptr, _ Config) error {
	return nil
}
