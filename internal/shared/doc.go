// Package shared holds cross-cutting helpers that belong to no single
// domain package. Currently that is the testutil subpackage: a controllable
// clock, a recording alert sink and fixture builders shared by the package
// test suites. Business logic never lives here.
package shared
