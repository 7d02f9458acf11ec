// Package trouble provides the shared vocabulary of a minimal BLE
// peripheral host: the device address, the controller boundary, and the
// ATT protocol error codes. The actual layers live in subpackages:
// hci (link runner), att (attribute table and wire protocol), gatt
// (attribute server), adv (advertising payload), and peripheral (the
// advertise/accept/notify lifecycle).
package trouble
