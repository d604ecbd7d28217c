package flexfec

import "sync/atomic"

// serialChecker проверяет, что методы объекта не вызываются одновременно из
// нескольких горутин. Это не блокировка: перекрывающийся вызов считается ошибкой
// программирования и приводит к panic.
//
// Объект может быть создан в одной горутине, а использоваться в другой.
type serialChecker struct {
	busy atomic.Bool
}

func (c *serialChecker) enter(method string) {
	if !c.busy.CompareAndSwap(false, true) {
		panic("flexfec: одновременный вызов " + method + " из нескольких горутин")
	}
}

func (c *serialChecker) leave() {
	c.busy.Store(false)
}
