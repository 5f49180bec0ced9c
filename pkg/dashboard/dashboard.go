// Package dashboard carries the static assets and the HTML page behind
// /monitor/metrics: a jquery+flot chart grid polling /monitor/series for
// each registered metric once a second.
package dashboard

import (
	_ "embed"
	"html/template"
	"strings"
)

//go:embed assets/jquery_min.js
var JQueryMin []byte

//go:embed assets/flot_min.js
var FlotMin []byte

var pageTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<title>grps monitor</title>
<script src="/js/jquery_min"></script>
<script src="/js/flot_min"></script>
<style>
body { font-family: sans-serif; background: #fafafa; margin: 16px; }
h1 { font-size: 18px; }
.chart { display: inline-block; margin: 8px; padding: 8px; background: #fff; border: 1px solid #ddd; }
.chart .plot { width: 420px; height: 180px; }
.chart .title { font-size: 13px; text-align: center; margin-bottom: 4px; }
</style>
</head>
<body>
<h1>grps monitor</h1>
<div id="charts">
{{range .Names}}<div class="chart"><div class="title">{{.}}</div><div class="plot" data-name="{{.}}"></div></div>
{{end}}</div>
<script>
function refresh() {
  $(".plot").each(function() {
    var el = $(this);
    $.getJSON("/grps/v1/monitor/series", {name: el.data("name")}, function(series) {
      var values = series.Percentiles && series.Percentiles.length ? series.Percentiles : series.Values;
      var points = [];
      for (var i = 0; i < values.length; i++) { points.push([i, values[i]]); }
      $.plot(el, [points], {lines: {show: true}, grid: {borderWidth: 1}});
    });
  });
}
$(function() { refresh(); setInterval(refresh, 1000); });
</script>
</body>
</html>
`))

// Page renders the dashboard HTML for the given metric names.
func Page(names []string) []byte {
	var b strings.Builder
	_ = pageTemplate.Execute(&b, struct{ Names []string }{Names: names})
	return []byte(b.String())
}
