// Package ble is the Bluetooth Low Energy link for Tuya devices, built on
// tinygo.org/x/bluetooth.
//
// An Adapter wraps the host radio and hands out one Transport per device
// address. A Transport implements session.Transport: it finds the device
// by scanning, connects, discovers the Tuya GATT service and enables
// notifications on the notify characteristic.
package ble
