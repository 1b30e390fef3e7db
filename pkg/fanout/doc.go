/*
Package fanout implements the Change Fan-out. A Broker holds a
store's registered ChangedCallbacks-equivalent observers; Publish deep
copies the before/after values for each observer and delivers them synchronously,
isolating each observer behind a recover() so one bad callback can't
affect another or the caller.
*/
package fanout
