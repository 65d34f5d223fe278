// Package version models resource version identifiers and version
// constraints: dotted identifiers such as "1.4.2_01" and constraint strings
// such as "1.4+ 2.0*" or "1.0+&1.5*". Identifiers compare component-wise,
// constraints answer containment queries used by the tracker to decide
// whether a cached artifact satisfies a request.
package version
