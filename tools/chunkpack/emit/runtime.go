package emit

// QueueName is the global array chunks push themselves onto.
const QueueName = "chunkpackJsonp"

// runtimeTemplate is the body of the runtime chunk. %s is the JSON table
// mapping each entry chunk to the chunks it needs before its modules run.
//
// Chunks loaded before the runtime queue their payloads; the runtime drains
// the queue on start and then replaces push with install.
const runtimeTemplate = `(function () {
  var modules = {};
  var cache = {};
  var installed = {};
  var pending = [];
  var deps = %s;

  function require(id) {
    var cached = cache[id];
    if (cached) return cached.exports;
    var entry = modules[id];
    if (!entry) throw new Error("chunkpack: module " + id + " is not installed");
    var module = (cache[id] = { id: id, exports: {} });
    entry[0].call(module.exports, module, module.exports, link(id, entry[1]));
    return module.exports;
  }

  // link returns the require seen by one module. Strings in its table are
  // module ids; functions produce values that are not modules.
  function link(from, table) {
    return function (spec) {
      if (!Object.prototype.hasOwnProperty.call(table, spec)) {
        throw new Error("chunkpack: cannot find " + spec + " from " + from);
      }
      var target = table[spec];
      return typeof target === "function" ? target() : require(target);
    };
  }

  function ready(name) {
    var needed = deps[name] || [];
    for (var i = 0; i < needed.length; i++) {
      if (!installed[needed[i]]) return false;
    }
    return true;
  }

  function flush() {
    for (var i = 0; i < pending.length; i++) {
      var item = pending[i];
      if (!ready(item[0])) continue;
      pending.splice(i--, 1);
      for (var j = 0; j < item[1].length; j++) require(item[1][j]);
    }
  }

  function install(data) {
    var name = data[0];
    var payload = data[1];
    for (var id in payload) {
      if (Object.prototype.hasOwnProperty.call(payload, id)) modules[id] = payload[id];
    }
    installed[name] = true;
    if (data[2] && data[2].length) pending.push([name, data[2]]);
    flush();
  }

  var queue = (self.` + QueueName + ` = self.` + QueueName + ` || []);
  for (var i = 0; i < queue.length; i++) install(queue[i]);
  queue.push = install;
})();
`

// chunkHeader opens a chunk payload. %s is the JSON chunk name.
const chunkHeader = `(self.` + QueueName + ` = self.` + QueueName + ` || []).push([%s, {
`

// moduleHeader opens one module entry: its factory followed by its link
// table. %s is the JSON module id.
const moduleHeader = `%s: [function (module, exports, require) {
`

// cssModuleTemplate is the factory body for a stylesheet that is not
// extracted: it injects a <style> tag once per module id.
const cssModuleTemplate = `var __file = %q;
var s = document.querySelector('style[data-file="' + __file + '"]');
if (!s) { s = document.createElement('style'); s.setAttribute('data-file', __file); document.head.appendChild(s); }
s.textContent = %s;
`
